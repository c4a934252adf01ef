package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/vigil-xy/vigil/internal/model"
)

const uploadPath = "api/v1/reports"

// RepoUploader posts deliveries to a report repository.
type RepoUploader struct {
	requestURL *url.URL
	token      string
	client     *http.Client
}

func NewRepoUploader(cfg model.Repository) (*RepoUploader, error) {
	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.New("please define the server url with a scheme, e.g. `https://some-url.com`")
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")
	parsedURL = parsedURL.JoinPath(uploadPath)

	c := &RepoUploader{
		requestURL: parsedURL,
		client:     &http.Client{},
	}
	switch cfg.Auth.Type {
	case "", model.AuthTypeNone:
	case model.AuthTypeStaticToken:
		if cfg.Auth.Token == "" {
			return nil, errors.New("static_token auth requires a token")
		}
		c.token = cfg.Auth.Token
	default:
		return nil, fmt.Errorf("unsupported auth type %q", cfg.Auth.Type)
	}
	return c, nil
}

// WithClient replaces the http client, used by tests.
func (c *RepoUploader) WithClient(client *http.Client) *RepoUploader {
	c.client = client
	return c
}

func (c *RepoUploader) Upload(ctx context.Context, d model.Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(d.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", d.ContentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	createResp, err := c.decodeUploadResponse(resp)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "report uploaded successfully.",
		slog.String("id", createResp.ID),
		slog.Bool("signed", d.Signed))

	return nil
}

type CreateResponse struct {
	ID string `json:"id"`
}

func (c *RepoUploader) decodeUploadResponse(resp *http.Response) (CreateResponse, error) {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return CreateResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		if contentType != "application/json" {
			return CreateResponse{}, fmt.Errorf("expected `application/json` content type, got: %s", contentType)
		}
		var cr CreateResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return CreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		if cr.ID == "" {
			return CreateResponse{}, errors.New("received unexpected body")
		}
		return cr, nil

	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusUnsupportedMediaType:
		if contentType != "application/problem+json" {
			return CreateResponse{}, fmt.Errorf("expected `application/problem+json` content type, got: %s", contentType)
		}
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return CreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return CreateResponse{}, fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return CreateResponse{}, err
	}
	return CreateResponse{}, fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
