package models

import "time"

// Object is the descriptor of a stored, content-addressed blob.
type Object struct {
	// Digest is the lowercase hex SHA-256 of the bytes at rest.
	Digest string `json:"digest"`
	// Size is the byte length of the object.
	Size int64 `json:"size"`
	// Partition is the shard directory derived from the digest.
	Partition int `json:"partition"`
	// MediaType is the type declared by the first uploader.
	MediaType string `json:"media_type"`
	// Name is the original file name declared by the first uploader.
	Name string `json:"name"`
	// OwnerID is the user that first uploaded the bytes.
	OwnerID    string    `json:"owner_id"`
	UploadedAt time.Time `json:"uploaded_at"`
}
