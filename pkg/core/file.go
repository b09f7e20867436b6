package core

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// BrokerType selects how a workspace stores files.
type BrokerType string

const (
	BrokerHost BrokerType = "host"
	BrokerS3   BrokerType = "s3"
)

// Workspace is a named storage location for files.
type Workspace struct {
	ID           uint                                `gorm:"primaryKey" json:"id"`
	Name         string                              `gorm:"size:255;not null;uniqueIndex" json:"name"`
	Title        string                              `gorm:"size:255" json:"title"`
	Description  string                              `gorm:"type:text" json:"description"`
	BaseURL      string                              `gorm:"size:500" json:"base_url"`
	IsActive     bool                                `json:"is_active"`
	JSONConfig   datatypes.JSONType[WorkspaceConfig] `json:"json_config"`
	Created      time.Time                           `gorm:"autoCreateTime" json:"created"`
	LastModified time.Time                           `gorm:"autoUpdateTime" json:"last_modified"`
}

// WorkspaceConfig configures a workspace's broker.
type WorkspaceConfig struct {
	Version string       `json:"version" yaml:"version"`
	Broker  BrokerConfig `json:"broker" yaml:"broker"`
}

// BrokerConfig holds broker-specific settings.
type BrokerConfig struct {
	Type     BrokerType `json:"type" yaml:"type"`
	HostPath string     `json:"host_path,omitempty" yaml:"host_path"`
	Bucket   string     `json:"bucket,omitempty" yaml:"bucket"`
	Region   string     `json:"region,omitempty" yaml:"region"`
	Endpoint string     `json:"endpoint,omitempty" yaml:"endpoint"`
}

// File is an immutable artifact stored in a workspace. Files are deleted by
// flag only so job provenance stays intact.
type File struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	WorkspaceID  uint              `gorm:"index;not null" json:"workspace_id"`
	FileName     string            `gorm:"size:250;not null" json:"file_name"`
	MediaType    string            `gorm:"size:250;not null" json:"media_type"`
	FileSize     int64             `json:"file_size"`
	FilePath     string            `gorm:"size:1000" json:"file_path"`
	UUID         string            `gorm:"size:36;index" json:"uuid"`
	IsDeleted    bool              `gorm:"default:false" json:"is_deleted"`
	Deleted      *time.Time        `json:"deleted"`
	DataStarted  *time.Time        `json:"data_started"`
	DataEnded    *time.Time        `json:"data_ended"`
	Geometry     string            `gorm:"type:text" json:"geometry"`
	CenterPoint  string            `gorm:"size:100" json:"center_point"`
	Meta         datatypes.JSONMap `json:"meta"`
	JobID        *uint             `gorm:"index" json:"job_id"`
	JobExeID     *uint             `gorm:"index" json:"job_exe_id"`
	Created      time.Time         `gorm:"autoCreateTime" json:"created"`
	LastModified time.Time         `gorm:"autoUpdateTime" json:"last_modified"`
}

// fileNamespace scopes content-addressed file identities.
var fileNamespace = uuid.MustParse("4b1d2cf1-86e8-4f8a-9d46-6f1e1ce5a0b3")

// FileUUID derives a file's content-addressed identity from its name and the
// identities of what produced it.
func FileUUID(fileName string, parts ...string) string {
	key := fileName
	for _, p := range parts {
		key += "|" + p
	}
	return uuid.NewSHA1(fileNamespace, []byte(key)).String()
}

// SizeMiB returns the file size in MiB.
func (f *File) SizeMiB() float64 {
	return float64(f.FileSize) / (1024 * 1024)
}
