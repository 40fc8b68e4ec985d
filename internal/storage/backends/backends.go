// Package backends builds a storage.Backend from configuration.
package backends

import (
	"context"
	"fmt"

	"github.com/fruitsalade/resources/internal/storage"
	"github.com/fruitsalade/resources/internal/storage/local"
	"github.com/fruitsalade/resources/internal/storage/memory"
	s3backend "github.com/fruitsalade/resources/internal/storage/s3"
)

// Config selects a backend by Type and carries its settings.
type Config struct {
	Type  string           `yaml:"type" json:"type"`
	Local local.Config     `yaml:"local" json:"local"`
	S3    s3backend.Config `yaml:"s3" json:"s3"`
}

// New creates the backend named by cfg.Type.
func New(ctx context.Context, cfg Config) (storage.Backend, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "local":
		return local.New(cfg.Local)
	case "s3":
		return s3backend.New(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
