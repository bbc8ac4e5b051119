package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATS stores blobs in a JetStream object store bucket.
type NATS struct {
	bucket string
	store  nats.ObjectStore
}

// NewNATS creates the bucket, or binds to it when it already exists.
func NewNATS(js nats.JetStreamContext, bucket string) (*NATS, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("Audio blobs for the %s bucket.", bucket),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("create object store bucket %q: %w", bucket, err)
		}
		store, err = js.ObjectStore(bucket)
		if err != nil {
			return nil, fmt.Errorf("bind object store bucket %q: %w", bucket, err)
		}
	}
	return &NATS{bucket: bucket, store: store}, nil
}

func (n *NATS) Save(_ context.Context, key string, data []byte) (string, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if _, err := n.store.Put(&nats.ObjectMeta{Name: clean}, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("put object %q to bucket %q: %w", clean, n.bucket, err)
	}
	return clean, nil
}

func (n *NATS) Exists(_ context.Context, key string) (bool, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return false, err
	}
	_, err = n.store.GetInfo(clean)
	if errors.Is(err, nats.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat object %q: %w", clean, err)
	}
	return true, nil
}

func (n *NATS) Read(_ context.Context, key string) ([]byte, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	obj, err := n.store.Get(clean)
	if errors.Is(err, nats.ErrObjectNotFound) {
		return nil, missing(key)
	}
	if err != nil {
		return nil, fmt.Errorf("get object %q from bucket %q: %w", clean, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()
	if readErr != nil {
		return nil, fmt.Errorf("read object %q: %w", clean, readErr)
	}
	if closeErr != nil {
		return data, fmt.Errorf("close object %q: %w", clean, closeErr)
	}
	return data, nil
}
