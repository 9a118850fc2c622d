package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// Polling configuration for blob operations.
const (
	initialPollDelay = 50 * time.Millisecond // Starting delay between polls
	maxPollDelay     = 3 * time.Second       // Ceiling for the poll delay
	pollBackoff      = 1.5                   // Multiplier applied after an idle poll
)

// BlobTransport carries messages through Azure Block Blob Storage, one
// blob per direction. A message is sent by uploading it to an empty blob
// and received by downloading and clearing a non-empty one, so each blob
// holds at most one in-flight message and the peers rendezvous by
// polling with exponential backoff.
type BlobTransport struct {
	readBlob  azblob.BlockBlobURL // Blob polled for incoming messages
	writeBlob azblob.BlockBlobURL // Blob written with outgoing messages

	closeOnce sync.Once
	closed    chan struct{}
}

// NewBlobTransport creates a transport over the two given blobs. The
// peers must cross their blob roles: one side's read blob is the other
// side's write blob.
func NewBlobTransport(readBlob, writeBlob azblob.BlockBlobURL) *BlobTransport {
	return &BlobTransport{
		readBlob:  readBlob,
		writeBlob: writeBlob,
		closed:    make(chan struct{}),
	}
}

// Send uploads one message once the write blob is empty. It blocks,
// polling with backoff, until the upload succeeds, the context is
// canceled, or the transport closes.
func (t *BlobTransport) Send(ctx context.Context, data []byte) byte {
	delay := initialPollDelay

	for {
		if code := t.checkLive(ctx); code != ErrNone {
			return code
		}

		empty, code := t.blobEmpty(ctx, t.writeBlob)
		if code != ErrNone {
			return code
		}
		if !empty {
			// Previous message not yet consumed by the peer.
			if delay, code = t.wait(ctx, delay); code != ErrNone {
				return code
			}
			continue
		}
		delay = initialPollDelay

		if _, err := t.writeBlob.Upload(
			ctx,
			bytes.NewReader(data),
			azblob.BlobHTTPHeaders{ContentType: "application/octet-stream"},
			azblob.Metadata{},
			azblob.BlobAccessConditions{},
			azblob.DefaultAccessTier,
			nil,
			azblob.ClientProvidedKeyOptions{},
			azblob.ImmutabilityPolicyOptions{},
		); err != nil {
			if code := blobError(err); code != ErrTransportError {
				return code
			}
			if delay, code = t.wait(ctx, delay); code != ErrNone {
				return code
			}
			continue
		}
		return ErrNone
	}
}

// Receive polls the read blob until it holds a message, then downloads
// and clears it.
func (t *BlobTransport) Receive(ctx context.Context) ([]byte, byte) {
	delay := initialPollDelay

	for {
		if code := t.checkLive(ctx); code != ErrNone {
			return nil, code
		}

		empty, code := t.blobEmpty(ctx, t.readBlob)
		if code != ErrNone {
			return nil, code
		}
		if empty {
			if delay, code = t.wait(ctx, delay); code != ErrNone {
				return nil, code
			}
			continue
		}
		delay = initialPollDelay

		resp, err := t.readBlob.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
		if err != nil {
			return nil, blobError(err)
		}
		body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 3})
		data, err := io.ReadAll(body)
		body.Close()
		if err != nil {
			return nil, ErrTransportError
		}

		if code := t.clearBlob(ctx, t.readBlob); code != ErrNone {
			return nil, code
		}
		return data, ErrNone
	}
}

// IsClosed reports whether the given code means the transport is gone,
// which includes the backing container having been deleted.
func (t *BlobTransport) IsClosed(code byte) bool {
	return code == ErrTransportClosed
}

// Close shuts the transport down locally. The blobs are left as they
// are; container lifecycle belongs to the embedder.
func (t *BlobTransport) Close() byte {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return ErrNone
}

func (t *BlobTransport) checkLive(ctx context.Context) byte {
	select {
	case <-t.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ErrContextCanceled
	default:
		return ErrNone
	}
}

// blobEmpty reports whether the blob currently has zero content length.
func (t *BlobTransport) blobEmpty(ctx context.Context, blob azblob.BlockBlobURL) (bool, byte) {
	props, err := blob.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return false, blobError(err)
	}
	return props.ContentLength() == 0, ErrNone
}

// clearBlob marks a message consumed by uploading an empty body, with
// retries until the context is canceled.
func (t *BlobTransport) clearBlob(ctx context.Context, blob azblob.BlockBlobURL) byte {
	delay := initialPollDelay

	for {
		_, err := blob.Upload(
			ctx,
			bytes.NewReader(nil),
			azblob.BlobHTTPHeaders{ContentType: "application/octet-stream"},
			azblob.Metadata{},
			azblob.BlobAccessConditions{},
			azblob.DefaultAccessTier,
			nil,
			azblob.ClientProvidedKeyOptions{},
			azblob.ImmutabilityPolicyOptions{},
		)
		if err == nil {
			return ErrNone
		}
		if code := blobError(err); code == ErrTransportClosed || code == ErrContextCanceled {
			return code
		}

		var code byte
		if delay, code = t.wait(ctx, delay); code != ErrNone {
			return code
		}
	}
}

// wait sleeps for the current delay and returns the next one, growing by
// pollBackoff up to maxPollDelay.
func (t *BlobTransport) wait(ctx context.Context, delay time.Duration) (time.Duration, byte) {
	select {
	case <-t.closed:
		return 0, ErrTransportClosed
	case <-ctx.Done():
		return 0, ErrContextCanceled
	case <-time.After(delay):
	}

	delay = time.Duration(float64(delay) * pollBackoff)
	if delay > maxPollDelay {
		delay = maxPollDelay
	}
	return delay, ErrNone
}

// blobError maps Azure storage errors onto transport codes. A missing or
// deleting container means the rendezvous is gone for good.
func blobError(err error) byte {
	if err == nil {
		return ErrNone
	}
	if errors.Is(err, context.Canceled) {
		return ErrContextCanceled
	}

	var storageErr azblob.StorageError
	if errors.As(err, &storageErr) {
		switch storageErr.ServiceCode() {
		case azblob.ServiceCodeContainerNotFound,
			azblob.ServiceCodeContainerBeingDeleted:
			return ErrTransportClosed
		}
	}
	return ErrTransportError
}
