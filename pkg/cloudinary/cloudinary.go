// Package cloudinary archives trained model artifacts off-host.
package cloudinary

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Archiver uploads model parameter blobs as raw Cloudinary assets.
type Archiver struct {
	client *cloudinary.Cloudinary
	folder string
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs a Cloudinary archiver instance.
func New(cfg Config, logger zerolog.Logger) (*Archiver, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Archiver{
		client: cld,
		folder: cfg.Folder,
		now:    time.Now,
		logger: logger.With().Str("component", "cloudinary_archiver").Logger(),
	}, nil
}

// ArchiveModel stores the payload as a raw JSON asset and returns its secure URL.
func (a *Archiver) ArchiveModel(ctx context.Context, name string, payload []byte) (string, error) {
	params := uploader.UploadParams{
		Folder:       strings.Trim(a.folder, "/"),
		PublicID:     buildPublicID(name, a.now()),
		ResourceType: "raw",
	}

	result, err := a.client.Upload.Upload(ctx, bytes.NewReader(payload), params)
	if err != nil {
		return "", fmt.Errorf("failed to archive model: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("failed to archive model: %s", result.Error.Message)
	}

	a.logger.Info().Str("public_id", result.PublicID).Int("bytes", len(payload)).Msg("model archived to cloudinary")

	return result.SecureURL, nil
}

func buildPublicID(name string, at time.Time) string {
	base := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, name)

	base = strings.Trim(base, "-")
	if base == "" {
		base = "model"
	}

	return fmt.Sprintf("%s-%d.json", base, at.Unix())
}
