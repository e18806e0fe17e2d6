package repositories

import "context"

// StoredObject describes an uploaded audio file and where to reach it.
type StoredObject struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
}

// ObjectStorage abstracts the bucket that recorded audio is uploaded to
// before being handed to the file transcription API.
type ObjectStorage interface {
	// Upload stores the data under a generated key derived from fileName
	// and returns a URL the transcription API can fetch it from.
	Upload(ctx context.Context, fileName, contentType string, data []byte) (*StoredObject, error)
}
