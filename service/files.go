package service

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/InsulaLabs/parley/store"
)

const uploadFieldName = "file"

type uploadResponse struct {
	Hash         string `json:"hash"`
	Size         int64  `json:"size"`
	Name         string `json:"name"`
	MediaType    string `json:"mediaType"`
	Deduplicated bool   `json:"deduplicated"`
}

// uploadHandler streams the "file" part of a multipart body into the store
// without buffering it.
func (s *Service) uploadHandler(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart body")
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, "missing \"file\" part")
			return
		}
		if err != nil {
			s.logger.Debug("Could not read multipart body", "user", user, "error", err)
			writeError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		if part.FormName() != uploadFieldName {
			part.Close()
			continue
		}

		mediaType := part.Header.Get("Content-Type")
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		res, err := s.objects.Put(r.Context(), part, part.FileName(), mediaType, user)
		part.Close()
		if err != nil {
			s.writeStoreError(w, err, user)
			return
		}

		status := http.StatusCreated
		if res.Deduplicated {
			status = http.StatusOK
		}
		writeJSON(w, status, uploadResponse{
			Hash:         res.Digest,
			Size:         res.Size,
			Name:         res.Name,
			MediaType:    res.MediaType,
			Deduplicated: res.Deduplicated,
		})
		return
	}
}

func (s *Service) writeStoreError(w http.ResponseWriter, err error, user string) {
	switch {
	case errors.Is(err, store.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidDigest):
		writeError(w, http.StatusNotFound, "object not found")
	default:
		s.logger.Error("Object store failure", "user", user, "error", err)
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

func (s *Service) downloadHandler(w http.ResponseWriter, r *http.Request) {
	digest := r.PathValue("digest")

	rc, obj, err := s.objects.Get(r.Context(), digest)
	if err != nil {
		s.writeStoreError(w, err, userFrom(r.Context()))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", obj.MediaType)
	w.Header().Set("ETag", strconv.Quote(obj.Digest))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	if obj.Name != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": obj.Name}))
	}

	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, obj.Name, obj.UploadedAt, rs)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug("Download interrupted", "digest", digest, "error", err)
	}
}
