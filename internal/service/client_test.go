package service_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/service"

	"github.com/stretchr/testify/require"
)

func TestRepoUploader(t *testing.T) {
	t.Parallel()

	type request struct {
		path          string
		authorization string
		contentType   string
		body          string
	}

	var testCases = []struct {
		scenario    string
		status      int
		contentType string
		response    string
		auth        model.Auth
		then        string
	}{
		{
			scenario:    "created",
			status:      http.StatusCreated,
			contentType: "application/json",
			response:    `{"id":"42"}`,
			auth:        model.Auth{Type: model.AuthTypeStaticToken, Token: "ABC123"},
		},
		{
			scenario:    "unauthorized",
			status:      http.StatusUnauthorized,
			contentType: "application/problem+json",
			response:    `{"detail":"bad token"}`,
			auth:        model.Auth{Type: model.AuthTypeNone},
			then:        "status code: 401, detail: bad token",
		},
		{
			scenario:    "created without id",
			status:      http.StatusCreated,
			contentType: "application/json",
			response:    `{}`,
			then:        "received unexpected body",
		},
		{
			scenario:    "server error",
			status:      http.StatusInternalServerError,
			contentType: "text/plain",
			response:    "oops",
			then:        "unknown error, status: 500, body: oops",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			got := make(chan request, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				got <- request{
					path:          r.URL.Path,
					authorization: r.Header.Get("Authorization"),
					contentType:   r.Header.Get("Content-Type"),
					body:          string(b),
				}
				w.Header().Set("Content-Type", tc.contentType)
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.response)
			}))
			t.Cleanup(srv.Close)

			u, err := service.NewRepoUploader(model.Repository{Enabled: true, URL: srv.URL + "/vigil/", Auth: tc.auth})
			require.NoError(t, err)
			u.WithClient(srv.Client())

			err = u.Upload(t.Context(), model.Delivery{Body: []byte(`{"report":{}}`), ContentType: service.ContentTypeJSON})
			if tc.then != "" {
				require.EqualError(t, err, tc.then)
			} else {
				require.NoError(t, err)
			}

			req := <-got
			require.Equal(t, "/vigil/api/v1/reports", req.path)
			require.Equal(t, service.ContentTypeJSON, req.contentType)
			require.Equal(t, `{"report":{}}`, req.body)
			if tc.auth.Token != "" {
				require.Equal(t, "Bearer "+tc.auth.Token, req.authorization)
			} else {
				require.Empty(t, req.authorization)
			}
		})
	}
}

func TestNewRepoUploader_Fail(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    model.Repository
		then     string
	}{
		{"no scheme", model.Repository{URL: "example.com/repo"}, "with a scheme"},
		{"missing token", model.Repository{URL: "https://example.com", Auth: model.Auth{Type: model.AuthTypeStaticToken}}, "requires a token"},
		{"unknown auth", model.Repository{URL: "https://example.com", Auth: model.Auth{Type: "oauth"}}, "unsupported auth type"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := service.NewRepoUploader(tc.given)
			require.ErrorContains(t, err, tc.then)
		})
	}
}
