package repository

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"

	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
)

const (
	tableDatasets   = "datasets"
	tablePolicies   = "policies"
	tableJobs       = "jobs"
	tableFindings   = "findings"
	tableOperations = "anonymization_operations"
	tableArtifacts  = "artifacts"
)

func column(name string, t field.Type) *schema.Column {
	return &schema.Column{Name: name, Type: t}
}

func nullable(name string, t field.Type) *schema.Column {
	return &schema.Column{Name: name, Type: t, Nullable: true}
}

func idColumn() *schema.Column {
	return column("id", field.TypeUUID)
}

// Tables declares the relational schema.
func Tables() []*schema.Table {
	datasets := schema.NewTable(tableDatasets).
		AddPrimary(idColumn()).
		AddColumn(column("filename", field.TypeString)).
		AddColumn(column("file_ext", field.TypeString)).
		AddColumn(column("mime_type", field.TypeString)).
		AddColumn(column("size", field.TypeInt64)).
		AddColumn(column("content_hash", field.TypeBytes)).
		AddColumn(column("storage_key", field.TypeString)).
		AddColumn(nullable("extraction_method", field.TypeString)).
		AddColumn(nullable("extraction_confidence", field.TypeFloat64)).
		AddColumn(column("status", field.TypeString)).
		AddColumn(column("status_seq", field.TypeInt64)).
		AddColumn(column("run_seq", field.TypeInt64)).
		AddColumn(column("created_at", field.TypeTime)).
		AddColumn(column("updated_at", field.TypeTime)).
		AddIndex("datasets_content_hash", true, []string{"content_hash"})

	policies := schema.NewTable(tablePolicies).
		AddPrimary(idColumn()).
		AddColumn(column("name", field.TypeString)).
		AddColumn(column("version", field.TypeString)).
		AddColumn(column("document", field.TypeBytes)).
		AddColumn(column("created_at", field.TypeTime)).
		AddIndex("policies_name_version", true, []string{"name", "version"})

	jobs := schema.NewTable(tableJobs).
		AddPrimary(idColumn()).
		AddColumn(column("dataset_id", field.TypeUUID)).
		AddColumn(column("policy_id", field.TypeUUID)).
		AddColumn(column("type", field.TypeString)).
		AddColumn(column("status", field.TypeString)).
		AddColumn(column("priority", field.TypeInt)).
		AddColumn(column("progress", field.TypeInt)).
		AddColumn(column("attempt", field.TypeInt)).
		AddColumn(nullable("error_message", field.TypeString)).
		AddColumn(column("partial", field.TypeBool)).
		AddColumn(column("cancel_requested", field.TypeBool)).
		AddColumn(column("created_at", field.TypeTime)).
		AddColumn(nullable("started_at", field.TypeTime)).
		AddColumn(nullable("ended_at", field.TypeTime)).
		AddColumn(column("updated_at", field.TypeTime)).
		AddIndex("jobs_dataset_id", false, []string{"dataset_id"}).
		AddIndex("jobs_status_updated_at", false, []string{"status", "updated_at"})

	findings := schema.NewTable(tableFindings).
		AddPrimary(idColumn()).
		AddColumn(column("dataset_id", field.TypeUUID)).
		AddColumn(column("job_id", field.TypeUUID)).
		AddColumn(column("attempt", field.TypeInt)).
		AddColumn(column("entity_type", field.TypeString)).
		AddColumn(column("start_offset", field.TypeInt)).
		AddColumn(column("end_offset", field.TypeInt)).
		AddColumn(column("text", field.TypeString)).
		AddColumn(column("confidence", field.TypeFloat64)).
		AddColumn(column("context", field.TypeString)).
		AddColumn(column("acted_upon", field.TypeBool)).
		AddColumn(column("action", field.TypeString)).
		AddColumn(column("decision_reason", field.TypeString)).
		AddColumn(nullable("anonymized_text", field.TypeString)).
		AddColumn(column("created_at", field.TypeTime)).
		AddIndex("findings_job_attempt", false, []string{"job_id", "attempt"}).
		AddIndex("findings_dataset_id", false, []string{"dataset_id"})

	operations := schema.NewTable(tableOperations).
		AddPrimary(idColumn()).
		AddColumn(column("finding_id", field.TypeUUID)).
		AddColumn(column("job_id", field.TypeUUID)).
		AddColumn(column("attempt", field.TypeInt)).
		AddColumn(column("entity_type", field.TypeString)).
		AddColumn(column("action", field.TypeString)).
		AddColumn(column("start_offset", field.TypeInt)).
		AddColumn(column("end_offset", field.TypeInt)).
		AddColumn(column("original_text", field.TypeString)).
		AddColumn(column("anonymized_text", field.TypeString)).
		AddColumn(column("applied_at", field.TypeTime)).
		AddIndex("operations_finding_id", true, []string{"finding_id"}).
		AddIndex("operations_job_attempt", false, []string{"job_id", "attempt"})

	artifacts := schema.NewTable(tableArtifacts).
		AddPrimary(idColumn()).
		AddColumn(column("dataset_id", field.TypeUUID)).
		AddColumn(column("job_id", field.TypeUUID)).
		AddColumn(column("attempt", field.TypeInt)).
		AddColumn(column("format", field.TypeString)).
		AddColumn(column("object_key", field.TypeString)).
		AddColumn(column("content_type", field.TypeString)).
		AddColumn(column("size", field.TypeInt64)).
		AddColumn(column("sha256", field.TypeString)).
		AddColumn(nullable("metadata", field.TypeJSON)).
		AddColumn(column("created_at", field.TypeTime)).
		AddIndex("artifacts_job_attempt", false, []string{"job_id", "attempt"})

	return []*schema.Table{datasets, policies, jobs, findings, operations, artifacts}
}

// Migrate creates missing tables, columns and indexes. It never drops anything.
func (d *DB) Migrate(ctx context.Context) error {
	m, err := schema.NewMigrate(d.drv, schema.WithForeignKeys(false))
	if err != nil {
		return fmt.Errorf("%w: migrate: %v", common.ErrDatabase, err)
	}
	if err := m.Create(ctx, Tables()...); err != nil {
		d.logger.Errorw("db.migrate.failed", "err", err)
		return fmt.Errorf("%w: migrate: %v", common.ErrDatabase, err)
	}
	d.logger.Infow("db.migrated", "tables", len(Tables()))
	return nil
}
