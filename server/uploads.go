package server

import (
	"sync"

	"github.com/google/uuid"
)

// UploadRequest is a pending upload awaiting an external accept/reject
// decision. The request itself is immutable; the decision travels over a
// one-shot channel, so no mutable state is shared between the approver
// and the handler goroutine blocked on it.
type UploadRequest struct {
	ID       string `json:"id"`
	SenderIP string `json:"sender_ip"`
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`

	once     sync.Once
	decision chan bool
}

func newUploadRequest(senderIP, filename string, filesize int64) *UploadRequest {
	return &UploadRequest{
		ID:       uuid.NewString()[:8],
		SenderIP: senderIP,
		Filename: filename,
		Filesize: filesize,
		decision: make(chan bool, 1),
	}
}

// Accept lets the waiting handler proceed with receiving the file.
func (r *UploadRequest) Accept() { r.resolve(true) }

// Reject makes the waiting handler decline the upload.
func (r *UploadRequest) Reject() { r.resolve(false) }

// resolve delivers the decision at most once. The channel is buffered,
// so a decision arriving after the handler already timed out does not
// block the approver.
func (r *UploadRequest) resolve(accepted bool) {
	r.once.Do(func() { r.decision <- accepted })
}
