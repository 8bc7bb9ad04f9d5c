package sqlite

import (
	"time"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
)

type auditRecordModel struct {
	ID             string               `gorm:"column:id;primaryKey"`
	Table          string               `gorm:"column:table_name;not null"`
	EntityTypeName string               `gorm:"column:entity_type_name;not null"`
	State          int                  `gorm:"column:state;not null"`
	StateName      string               `gorm:"column:state_name;not null"`
	EntityID       string               `gorm:"column:entity_id;not null"`
	CreatedTime    time.Time            `gorm:"column:created_time;not null"`
	CreatedBy      string               `gorm:"column:created_by;not null"`
	Properties     []auditPropertyModel `gorm:"foreignKey:AuditRecordID;references:ID"`
}

func (auditRecordModel) TableName() string {
	return "audit_records"
}

type auditPropertyModel struct {
	ID               string  `gorm:"column:id;primaryKey"`
	AuditRecordID    string  `gorm:"column:audit_record_id;not null"`
	PropertyName     string  `gorm:"column:property_name;not null"`
	PropertyTypeName string  `gorm:"column:property_type_name;not null"`
	OldValue         *string `gorm:"column:old_value"`
	NewValue         *string `gorm:"column:new_value"`
}

func (auditPropertyModel) TableName() string {
	return "audit_property_records"
}

type catalogEntryModel struct {
	ID           string    `gorm:"column:id;primaryKey"`
	EntityName   string    `gorm:"column:entity_name;not null"`
	AssemblyName string    `gorm:"column:assembly_name;not null"`
	Table        string    `gorm:"column:table_name;not null"`
	SchemaName   string    `gorm:"column:schema_name;not null"`
	Description  string    `gorm:"column:description;not null"`
	IsSharding   bool      `gorm:"column:is_sharding;not null"`
	CreatedTime  time.Time `gorm:"column:created_time;not null"`
	CreatedBy    string    `gorm:"column:created_by;not null"`
}

func (catalogEntryModel) TableName() string {
	return "schema_catalog_entries"
}

type snapshotModel struct {
	ID               string    `gorm:"column:id;primaryKey"`
	AccessorName     string    `gorm:"column:accessor_name;not null"`
	SnapshotTypeName string    `gorm:"column:snapshot_type_name;not null"`
	Version          int64     `gorm:"column:version;not null"`
	SnapshotBody     string    `gorm:"column:snapshot_body;not null"`
	ContentHash      string    `gorm:"column:content_hash;not null"`
	CreatedTime      time.Time `gorm:"column:created_time;not null"`
	CreatedBy        string    `gorm:"column:created_by;not null"`
}

func (snapshotModel) TableName() string {
	return "migration_snapshots"
}

type idSequenceModel struct {
	Kind  string `gorm:"column:kind;primaryKey"`
	Value int64  `gorm:"column:value;not null"`
}

func (idSequenceModel) TableName() string {
	return "id_sequences"
}

func toAuditModel(r domain.AuditRecord) auditRecordModel {
	props := make([]auditPropertyModel, 0, len(r.Properties))
	for _, p := range r.Properties {
		props = append(props, auditPropertyModel{
			ID:               p.ID,
			AuditRecordID:    r.ID,
			PropertyName:     p.PropertyName,
			PropertyTypeName: p.PropertyTypeName,
			OldValue:         p.OldValue,
			NewValue:         p.NewValue,
		})
	}
	return auditRecordModel{
		ID:             r.ID,
		Table:          r.TableName,
		EntityTypeName: r.EntityTypeName,
		State:          int(r.State),
		StateName:      r.StateName,
		EntityID:       r.EntityID,
		CreatedTime:    r.CreatedTime.UTC(),
		CreatedBy:      r.CreatedBy,
		Properties:     props,
	}
}

func auditToDomain(m auditRecordModel) domain.AuditRecord {
	props := make([]domain.AuditPropertyRecord, 0, len(m.Properties))
	for _, p := range m.Properties {
		props = append(props, domain.AuditPropertyRecord{
			ID:               p.ID,
			AuditRecordID:    p.AuditRecordID,
			PropertyName:     p.PropertyName,
			PropertyTypeName: p.PropertyTypeName,
			OldValue:         p.OldValue,
			NewValue:         p.NewValue,
		})
	}
	return domain.AuditRecord{
		ID:             m.ID,
		TableName:      m.Table,
		EntityTypeName: m.EntityTypeName,
		State:          domain.EntityState(m.State),
		StateName:      m.StateName,
		EntityID:       m.EntityID,
		CreatedTime:    m.CreatedTime.UTC(),
		CreatedBy:      m.CreatedBy,
		Properties:     props,
	}
}

func toCatalogModel(e domain.SchemaCatalogEntry) catalogEntryModel {
	return catalogEntryModel{
		ID:           e.ID,
		EntityName:   e.EntityName,
		AssemblyName: e.AssemblyName,
		Table:        e.TableName,
		SchemaName:   e.Schema,
		Description:  e.Description,
		IsSharding:   e.IsSharding,
		CreatedTime:  e.CreatedTime.UTC(),
		CreatedBy:    e.CreatedBy,
	}
}

func catalogToDomain(m catalogEntryModel) domain.SchemaCatalogEntry {
	return domain.SchemaCatalogEntry{
		ID:           m.ID,
		EntityName:   m.EntityName,
		AssemblyName: m.AssemblyName,
		TableName:    m.Table,
		Schema:       m.SchemaName,
		Description:  m.Description,
		IsSharding:   m.IsSharding,
		CreatedTime:  m.CreatedTime.UTC(),
		CreatedBy:    m.CreatedBy,
	}
}

func toSnapshotModel(r domain.MigrationSnapshotRecord) snapshotModel {
	return snapshotModel{
		ID:               r.ID,
		AccessorName:     r.AccessorName,
		SnapshotTypeName: r.SnapshotTypeName,
		Version:          r.Version,
		SnapshotBody:     string(r.SnapshotBody),
		ContentHash:      r.ContentHash,
		CreatedTime:      r.CreatedTime.UTC(),
		CreatedBy:        r.CreatedBy,
	}
}

func snapshotToDomain(m snapshotModel) domain.MigrationSnapshotRecord {
	return domain.MigrationSnapshotRecord{
		ID:               m.ID,
		AccessorName:     m.AccessorName,
		SnapshotTypeName: m.SnapshotTypeName,
		Version:          m.Version,
		SnapshotBody:     []byte(m.SnapshotBody),
		ContentHash:      m.ContentHash,
		CreatedTime:      m.CreatedTime.UTC(),
		CreatedBy:        m.CreatedBy,
	}
}
