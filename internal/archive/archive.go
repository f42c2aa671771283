// Package archive persists call artifacts (conversation transcripts, call
// recordings) to object storage.
package archive

import (
	"bytes"
	"fmt"
	"log"

	"github.com/supabase-community/supabase-go"
)

// Storage stores a call artifact under a key.
type Storage interface {
	Upload(key, contentType string, data []byte) error
}

// SupabaseConfig holds the connection parameters for Supabase object storage.
type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// SupabaseStorage uploads artifacts to a Supabase storage bucket.
type SupabaseStorage struct {
	client *supabase.Client
	bucket string
}

// NewSupabase creates a Supabase-backed Storage.
func NewSupabase(cfg SupabaseConfig) (*SupabaseStorage, error) {
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseStorage{client: client, bucket: cfg.Bucket}, nil
}

func (s *SupabaseStorage) Upload(key, contentType string, data []byte) error {
	_, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("upload %s to supabase: %w", key, err)
	}
	return nil
}

// Nop discards artifacts. Used when no storage backend is configured so call
// handling never depends on archival being available.
type Nop struct{}

func (Nop) Upload(key, contentType string, data []byte) error {
	log.Printf("archive disabled, dropping %s (%d bytes)", key, len(data))
	return nil
}
