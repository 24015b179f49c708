package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

type UploadResult struct {
	Hash         string `json:"hash"`
	Size         int64  `json:"size"`
	Name         string `json:"name"`
	MediaType    string `json:"mediaType"`
	Deduplicated bool   `json:"deduplicated"`
}

type DownloadInfo struct {
	Digest    string
	MediaType string
	Name      string
	Size      int64
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// Upload streams src to the server as a multipart body. Nothing is buffered
// beyond what the pipe holds.
func (c *Client) Upload(ctx context.Context, name, mediaType string, src io.Reader) (UploadResult, error) {
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(name)))
		h.Set("Content-Type", mediaType)
		part, err := mw.CreatePart(h)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, src); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/files", nil, pr)
	if err != nil {
		pr.Close()
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return UploadResult{}, fmt.Errorf("upload %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return UploadResult{}, decodeError(resp)
	}
	var res UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return UploadResult{}, fmt.Errorf("failed to decode upload response: %w", err)
	}
	c.logger.Debug("Uploaded file", "name", name, "hash", res.Hash, "size", res.Size, "deduplicated", res.Deduplicated)
	return res, nil
}

// Download copies the object with the given digest into dst.
func (c *Client) Download(ctx context.Context, digest string, dst io.Writer) (DownloadInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/files/"+url.PathEscape(digest), nil, nil)
	if err != nil {
		return DownloadInfo{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DownloadInfo{}, fmt.Errorf("download %s: %w", digest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return DownloadInfo{}, decodeError(resp)
	}

	info := DownloadInfo{
		Digest:    digest,
		MediaType: resp.Header.Get("Content-Type"),
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		info.Name = params["filename"]
	}

	n, err := io.Copy(dst, resp.Body)
	info.Size = n
	if err != nil {
		return info, fmt.Errorf("download %s: %w", digest, err)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if want, perr := strconv.ParseInt(cl, 10, 64); perr == nil && want != n {
			return info, fmt.Errorf("download %s: got %d of %d bytes", digest, n, want)
		}
	}
	return info, nil
}
