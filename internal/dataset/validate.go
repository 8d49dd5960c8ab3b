package dataset

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidationError rejects an upload before it reaches the analysis pipeline.
type ValidationError struct {
	Reason   string
	TooLarge bool
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// UploadPolicy bounds what an upload may look like.
type UploadPolicy struct {
	MaxBytes   int64
	Extensions []string
}

// Validate checks the extension against the allow-list, then the size.
func (p UploadPolicy) Validate(name string, size int64) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !p.allowed(ext) {
		return &ValidationError{
			Reason: fmt.Sprintf("Invalid file type. Allowed: %s", strings.Join(p.Extensions, ", ")),
		}
	}
	if p.MaxBytes > 0 && size > p.MaxBytes {
		return &ValidationError{
			Reason:   fmt.Sprintf("File too large. Max size: %dMB", p.MaxBytes/(1024*1024)),
			TooLarge: true,
		}
	}
	return nil
}

func (p UploadPolicy) allowed(ext string) bool {
	if ext == "" {
		return false
	}
	for _, e := range p.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}
