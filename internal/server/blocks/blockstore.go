package blocks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
)

// Blockstore holds the opaque payload bytes, addressed by
// (organization, block id). Put is idempotent: the same key always receives
// the same bytes, so a create-then-fail-then-retry is safe.
type Blockstore interface {
	Put(ctx context.Context, org protocol.OrganizationID, block uuid.UUID, data []byte) error
	// Get returns common.ErrBlockNotFound when the key is absent.
	Get(ctx context.Context, org protocol.OrganizationID, block uuid.UUID) ([]byte, error)
}

// MemoryBlockstore keeps payloads in process memory; used by tests and the
// memory store configuration.
type MemoryBlockstore struct {
	mu     sync.RWMutex
	blocks map[string][]byte
}

func NewMemoryBlockstore() *MemoryBlockstore {
	return &MemoryBlockstore{blocks: make(map[string][]byte)}
}

func blockKey(org protocol.OrganizationID, block uuid.UUID) string {
	return fmt.Sprintf("%s/%s", org, block)
}

func (m *MemoryBlockstore) Put(ctx context.Context, org protocol.OrganizationID, block uuid.UUID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[blockKey(org, block)] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBlockstore) Get(ctx context.Context, org protocol.OrganizationID, block uuid.UUID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blocks[blockKey(org, block)]
	if !ok {
		return nil, common.ErrBlockNotFound
	}
	return append([]byte(nil), data...), nil
}

// FilesystemBlockstore stores each payload as a file under
// root/<org>/<first two hex chars>/<block id>.
type FilesystemBlockstore struct {
	root string
}

func NewFilesystemBlockstore(root string) *FilesystemBlockstore {
	return &FilesystemBlockstore{root: root}
}

func (f *FilesystemBlockstore) path(org protocol.OrganizationID, block uuid.UUID) string {
	id := block.String()
	return filepath.Join(f.root, string(org), id[:2], id)
}

func (f *FilesystemBlockstore) Put(ctx context.Context, org protocol.OrganizationID, block uuid.UUID, data []byte) error {
	path := f.path(org, block)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FilesystemBlockstore) Get(ctx context.Context, org protocol.OrganizationID, block uuid.UUID) ([]byte, error) {
	data, err := os.ReadFile(f.path(org, block))
	if errors.Is(err, os.ErrNotExist) {
		return nil, common.ErrBlockNotFound
	}
	return data, err
}

// S3Blockstore stores payloads in one bucket, keyed org/block.
type S3Blockstore struct {
	client *s3.Client
	bucket string
}

func NewS3Blockstore(client *s3.Client, bucket string) *S3Blockstore {
	return &S3Blockstore{client: client, bucket: bucket}
}

func (s *S3Blockstore) Put(ctx context.Context, org protocol.OrganizationID, block uuid.UUID, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(blockKey(org, block)),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (s *S3Blockstore) Get(ctx context.Context, org protocol.OrganizationID, block uuid.UUID) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(blockKey(org, block)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, common.ErrBlockNotFound
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
