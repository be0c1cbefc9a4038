package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document represents a decoded Firestore document with metadata timestamps.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
}

// QueryBuilder customises Firestore queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// PathFunc resolves the collection path, e.g. "users/{uid}/purchases".
type PathFunc func() (string, error)

// Collection provides typed helpers over a collection whose documents decode into T.
type Collection[T any] struct {
	provider *Provider
	path     PathFunc
}

// NewCollection binds a typed helper to a fixed collection name.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	name = strings.TrimSpace(name)
	return &Collection[T]{provider: provider, path: func() (string, error) {
		if name == "" {
			return "", errors.New("firestore: collection name is required")
		}
		return name, nil
	}}
}

// SubCollection binds a typed helper to parent/{parentID}/name.
func SubCollection[T any](provider *Provider, parent, parentID, name string) *Collection[T] {
	return &Collection[T]{provider: provider, path: func() (string, error) {
		if strings.TrimSpace(parentID) == "" {
			return "", fmt.Errorf("firestore: %s id is required", parent)
		}
		return fmt.Sprintf("%s/%s/%s", parent, parentID, name), nil
	}}
}

// Ref returns the collection reference.
func (c *Collection[T]) Ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, errors.New("firestore: provider is nil")
	}
	path, err := c.path()
	if err != nil {
		return nil, err
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(path), nil
}

// Doc returns the document reference for id.
func (c *Collection[T]) Doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("firestore: document id is required")
	}
	ref, err := c.Ref(ctx)
	if err != nil {
		return nil, err
	}
	return ref.Doc(id), nil
}

// Get fetches and decodes a document.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := doc.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return Decode[T](snap)
}

// Set upserts value under id.
func (c *Collection[T]) Set(ctx context.Context, id string, value T, opts ...firestore.SetOption) error {
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := doc.Set(ctx, value, opts...); err != nil {
		return WrapError(c.op("set"), err)
	}
	return nil
}

// Delete removes the document. Missing documents are not an error.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := doc.Delete(ctx); err != nil {
		return WrapError(c.op("delete"), err)
	}
	return nil
}

// Query runs build against the collection and decodes every result.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	ref, err := c.Ref(ctx)
	if err != nil {
		return nil, err
	}
	query := ref.Query
	if build != nil {
		query = build(query)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		decoded, err := Decode[T](snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, decoded)
	}
}

func (c *Collection[T]) op(action string) string {
	path, err := c.path()
	if err != nil {
		path = "firestore"
	}
	return path + "." + action
}

// Decode converts a snapshot into a typed Document.
func Decode[T any](snap *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode document %s: %w", snap.Ref.ID, err)
	}
	return Document[T]{
		ID:         snap.Ref.ID,
		Data:       data,
		CreateTime: snap.CreateTime,
		UpdateTime: snap.UpdateTime,
	}, nil
}
