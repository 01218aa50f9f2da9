package session

import "context"

// Store abstracts single-record persistence for the session descriptor.
//
// A store holds at most one descriptor per profile; Load returning
// (nil, nil) means no record is persisted, which is a normal outcome.
// Implementations must not validate the record; validation is the
// Manager's job so every read path goes through the same checks.
type Store interface {
	Load(ctx context.Context) (*Descriptor, error)
	Save(ctx context.Context, d *Descriptor) error
	Clear(ctx context.Context) error
}
