package policy

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

const contactPolicy = `
name: contact-scrub
version: "1.2.0"
description: strip contact details
detection:
  entities:
    - type: EMAIL_ADDRESS
      confidence_threshold: 0.5
      action: redact
    - type: phone_number
      confidence_threshold: 0.8
      action: mask
      mask:
        char: "#"
        keep_prefix: 2
    - type: PERSON
      confidence_threshold: 0.7
      action: replace
      replacement: "<someone>"
scope:
  file_types: [txt, document]
  max_file_size: 10MB
anonymization:
  default_action: hash
  preserve_format: true
  audit_trail: true
`

func TestParseDocument(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		p, err := ParseDocument(uuid.New(), []byte(contactPolicy))
		require.NoError(t, err)

		assert.Equal(t, "contact-scrub", p.Name)
		assert.Equal(t, "1.2.0", p.Version)
		require.Len(t, p.Rules, 3)

		phone, ok := p.RuleFor(constants.PhoneNumber)
		require.True(t, ok)
		assert.Equal(t, constants.ActionMask, phone.Action)
		assert.InDelta(t, 0.8, phone.ConfidenceThreshold, 1e-9)
		require.NotNil(t, phone.Mask)
		assert.Equal(t, "#", phone.Mask.Char)
		require.NotNil(t, phone.Mask.KeepPrefix)
		assert.Equal(t, 2, *phone.Mask.KeepPrefix)

		person, ok := p.RuleFor(constants.Person)
		require.True(t, ok)
		require.NotNil(t, person.Replacement)
		assert.Equal(t, "<someone>", *person.Replacement)

		require.NotNil(t, p.DefaultAction)
		assert.Equal(t, constants.ActionHash, *p.DefaultAction)
		assert.Equal(t, []string{"txt", "document"}, p.Scope.FileTypes)
		assert.Equal(t, int64(10_000_000), p.Scope.MaxFileSize)
		assert.True(t, p.PreserveFormat)
		assert.True(t, p.AuditTrail)
	})

	t.Run("json", func(t *testing.T) {
		raw := `{"name":"j","version":2,"detection":{"entities":[{"type":"US_SSN","confidence_threshold":0.9,"action":"encrypt"}]}}`
		p, err := ParseDocument(uuid.New(), []byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "2", p.Version)
		assert.Nil(t, p.DefaultAction)
		rule, ok := p.RuleFor(constants.USSSN)
		require.True(t, ok)
		assert.Equal(t, constants.ActionEncrypt, rule.Action)
	})

	invalid := map[string]string{
		"empty":              "   ",
		"not yaml":           "name: [unterminated",
		"missing detection":  "name: x\nversion: '1'\n",
		"threshold too high": "name: x\nversion: '1'\ndetection:\n  entities:\n    - {type: PERSON, confidence_threshold: 1.5, action: redact}\n",
		"unknown action":     "name: x\nversion: '1'\ndetection:\n  entities:\n    - {type: PERSON, confidence_threshold: 0.5, action: shred}\n",
		"duplicate type":     "name: x\nversion: '1'\ndetection:\n  entities:\n    - {type: PERSON, confidence_threshold: 0.5, action: redact}\n    - {type: person, confidence_threshold: 0.6, action: mask}\n",
		"bad size":           "name: x\nversion: '1'\ndetection:\n  entities: []\nscope:\n  max_file_size: lots\n",
	}
	for name, raw := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDocument(uuid.New(), []byte(raw))
			require.Error(t, err)
			assert.True(t, common.HasCode(err, common.CodePolicyValidation), "got %v", err)
			assert.False(t, common.IsTransient(err))
		})
	}
}

func TestCheckEntityTypes(t *testing.T) {
	p := entity.NewPolicy(entity.Policy{Rules: []entity.PolicyRule{
		{EntityType: constants.Person, Action: constants.ActionRedact},
		{EntityType: "FAVOURITE_COLOUR", Action: constants.ActionRedact},
	}})
	err := CheckEntityTypes(p, constants.KnownEntityTypes())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FAVOURITE_COLOUR")
}

func newPolicy(rules ...entity.PolicyRule) *entity.Policy {
	return entity.NewPolicy(entity.Policy{Name: "test", Version: "1", Rules: rules})
}

func finding(t constants.EntityType, start, end int, conf float64) entity.Finding {
	return entity.Finding{ID: uuid.New(), EntityType: t, Start: start, End: end, Confidence: conf}
}

func TestEvaluate(t *testing.T) {
	rules := []entity.PolicyRule{
		{EntityType: constants.EmailAddress, ConfidenceThreshold: 0.5, Action: constants.ActionRedact},
		{EntityType: constants.PhoneNumber, ConfidenceThreshold: 0.8, Action: constants.ActionMask},
		{EntityType: constants.CreditCard, ConfidenceThreshold: 0.3, Action: constants.ActionHash},
		{EntityType: constants.DateTime, ConfidenceThreshold: 0.3, Action: constants.ActionRedact},
	}

	t.Run("threshold gates action", func(t *testing.T) {
		p := newPolicy(rules...)
		findings := []entity.Finding{
			finding(constants.EmailAddress, 9, 25, 0.97),
			finding(constants.PhoneNumber, 33, 45, 0.5),
		}
		d := Evaluate(p, findings)
		require.Len(t, d, 2)
		assert.True(t, d[0].Act)
		assert.Equal(t, constants.ActionRedact, d[0].Action)
		assert.False(t, d[1].Act)
		assert.Equal(t, constants.ReasonBelowThreshold, d[1].Reason)
	})

	t.Run("no rule without default skips", func(t *testing.T) {
		p := newPolicy(rules...)
		d := Evaluate(p, []entity.Finding{finding(constants.Location, 0, 5, 0.99)})
		assert.False(t, d[0].Act)
		assert.Equal(t, constants.ReasonNoRule, d[0].Reason)
	})

	t.Run("no rule falls back to default action", func(t *testing.T) {
		def := constants.ActionRedact
		p := entity.NewPolicy(entity.Policy{Rules: rules, DefaultAction: &def})
		d := Evaluate(p, []entity.Finding{finding(constants.Location, 0, 5, 0.1)})
		assert.True(t, d[0].Act)
		assert.Equal(t, constants.ActionRedact, d[0].Action)
	})

	t.Run("overlap prefers confidence", func(t *testing.T) {
		p := newPolicy(rules...)
		findings := []entity.Finding{
			finding(constants.DateTime, 0, 16, 0.6),
			finding(constants.PhoneNumber, 4, 16, 0.9),
		}
		d := Evaluate(p, findings)
		assert.False(t, d[0].Act)
		assert.Equal(t, constants.ReasonOverlapLoser, d[0].Reason)
		assert.True(t, d[1].Act)
	})

	t.Run("overlap tie prefers specificity", func(t *testing.T) {
		p := newPolicy(rules...)
		findings := []entity.Finding{
			finding(constants.PhoneNumber, 0, 16, 0.9),
			finding(constants.CreditCard, 0, 19, 0.9),
		}
		d := Evaluate(p, findings)
		assert.False(t, d[0].Act)
		assert.True(t, d[1].Act)
		assert.Equal(t, constants.ActionHash, d[1].Action)
	})

	t.Run("acted findings never fall below threshold", func(t *testing.T) {
		p := newPolicy(rules...)
		var findings []entity.Finding
		for i := 0; i < 40; i++ {
			findings = append(findings, finding(constants.PhoneNumber, i*20, i*20+12, float64(i)/40))
		}
		for i, d := range Evaluate(p, findings) {
			if d.Act {
				assert.GreaterOrEqual(t, findings[i].Confidence, 0.8)
			}
		}
	})

	t.Run("one winner per overlapping cluster", func(t *testing.T) {
		p := newPolicy(rules...)
		findings := []entity.Finding{
			finding(constants.EmailAddress, 0, 10, 0.9),
			finding(constants.PhoneNumber, 5, 15, 0.95),
			finding(constants.CreditCard, 12, 20, 0.7),
		}
		d := Evaluate(p, findings)
		var acted []entity.Finding
		for i := range d {
			if d[i].Act {
				acted = append(acted, findings[i])
			}
		}
		for i := range acted {
			for j := i + 1; j < len(acted); j++ {
				assert.False(t, acted[i].Overlaps(acted[j]))
			}
		}
		assert.True(t, d[1].Act)
	})
}

func TestCheckScope(t *testing.T) {
	p, err := ParseDocument(uuid.New(), []byte(contactPolicy))
	require.NoError(t, err)

	cases := []struct {
		name string
		ext  string
		size int64
		ok   bool
	}{
		{"extension allowed", "txt", 1024, true},
		{"class allowed", "pdf", 1024, true},
		{"image not in scope", "png", 1024, false},
		{"too large", "pdf", 20_000_000, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckScope(p, &entity.Dataset{FileExt: tc.ext, Size: tc.size})
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, common.HasCode(err, common.CodeInvalidScope))
		})
	}
}

type recordingStore struct {
	recs []*entity.PolicyRecord
}

func (s *recordingStore) Create(_ context.Context, rec *entity.PolicyRecord) error {
	s.recs = append(s.recs, rec)
	return nil
}

func TestPublish(t *testing.T) {
	store := &recordingStore{}
	rec, p, err := Publish(context.Background(), store, []byte(contactPolicy))
	require.NoError(t, err)
	require.Len(t, store.recs, 1)
	assert.Equal(t, rec.ID, p.ID)
	assert.Equal(t, "contact-scrub", rec.Name)

	_, _, err = Publish(context.Background(), store,
		[]byte("name: x\nversion: '1'\ndetection:\n  entities:\n    - {type: SHOE_SIZE, confidence_threshold: 0.5, action: redact}\n"))
	require.Error(t, err)
	assert.Len(t, store.recs, 1)
}
