// Package publish defines the contract the engine uses to deliver a post.
// How a publisher reaches its platform is its own business.
package publish

import "context"

// Payload is the wire shape handed to a publisher. Media and text refs are
// opaque; the publisher decides what to do with them.
type Payload struct {
	Text           string
	MediaRef       string
	AttachmentMeta map[string]string
	Options        map[string]string
}

// Publisher delivers a single post. A content-level refusal must be
// returned as *domain.RejectedError; anything else is treated as a
// transport failure and retried by the scheduler.
type Publisher interface {
	Publish(ctx context.Context, p Payload) error
}

// Func adapts a function to the Publisher interface.
type Func func(ctx context.Context, p Payload) error

func (f Func) Publish(ctx context.Context, p Payload) error { return f(ctx, p) }
