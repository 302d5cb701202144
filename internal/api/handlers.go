package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/rohioffl/cloudscan/internal/export"
	"github.com/rohioffl/cloudscan/internal/model"
)

func (s *Server) uploadKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxKeySize+4096)
	content, err := readKeyFile(r)
	if err != nil {
		writeError(ctx, w, model.E(model.KindValidation, "upload", err))
		return
	}

	up, err := s.svc.UploadCredential(ctx, content, r.URL.Query().Get("projects") != "false")
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, up)
}

// readKeyFile returns the content of the keyFile part of a multipart form.
func readKeyFile(r *http.Request) ([]byte, error) {
	file, _, err := r.FormFile("keyFile")
	if err != nil {
		return nil, fmt.Errorf("missing GCP key file: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxKeySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	if len(content) > maxKeySize {
		return nil, fmt.Errorf("key file is larger than %d bytes", maxKeySize)
	}
	return content, nil
}

// scanRequest is the wire form of a scan. The AWS key fields also accept
// the accessKey and secretKey names of older clients.
type scanRequest struct {
	Region          string    `json:"region"`
	ProjectID       string    `json:"projectId"`
	KeyID           string    `json:"keyId"`
	AccessKeyID     string    `json:"accessKeyId"`
	SecretAccessKey string    `json:"secretAccessKey"`
	AccessKey       string    `json:"accessKey"`
	SecretKey       string    `json:"secretKey"`
	Checks          checkList `json:"checks"`
	Group           string    `json:"group"`
	// KeyFile is the service account key sent as a multipart file.
	KeyFile []byte `json:"-"`
}

// checkList is either a JSON list or a string separated by commas or
// spaces.
type checkList []string

func (c *checkList) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*c = list
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("checks must be a list or a string")
	}
	*c = splitChecks(s)
	return nil
}

func splitChecks(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

func formChecks(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	return splitChecks(strings.Join(values, ","))
}

func (s *Server) decodeScan(w http.ResponseWriter, r *http.Request) (scanRequest, error) {
	var req scanRequest
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, maxKeySize+4096)
		if err := r.ParseMultipartForm(maxKeySize); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return req, err
		}
		req = scanRequest{
			Region:          r.FormValue("region"),
			ProjectID:       r.FormValue("projectId"),
			KeyID:           r.FormValue("keyId"),
			AccessKeyID:     r.FormValue("accessKeyId"),
			SecretAccessKey: r.FormValue("secretAccessKey"),
			AccessKey:       r.FormValue("accessKey"),
			SecretKey:       r.FormValue("secretKey"),
			Checks:          formChecks(r.Form["checks"]),
			Group:           r.FormValue("group"),
		}
		if r.MultipartForm != nil {
			content, err := readKeyFile(r)
			if err != nil && !errors.Is(err, http.ErrMissingFile) {
				return req, err
			}
			req.KeyFile = content
		}
		return req, nil
	default:
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxKeySize))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return req, err
		}
		return req, nil
	}
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider, err := model.ParseProvider(r.PathValue("provider"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	in, err := s.decodeScan(w, r)
	if err != nil {
		writeError(ctx, w, model.Errorf(model.KindValidation, "submit", "decoding request: %v", err))
		return
	}

	req := model.ScanRequest{
		Provider:   provider,
		Options:    model.Options{Checks: in.Checks, Group: in.Group},
		Credential: model.CredentialRef{KeyID: in.KeyID},
	}
	switch provider {
	case model.ProviderAWS:
		req.Target = in.Region
		keys := model.AWSKeys{
			AccessKeyID:     firstNonEmpty(in.AccessKeyID, in.AccessKey),
			SecretAccessKey: firstNonEmpty(in.SecretAccessKey, in.SecretKey),
		}
		if keys != (model.AWSKeys{}) {
			req.Credential.AWS = &keys
		}
	case model.ProviderGCP:
		req.Target = in.ProjectID
		req.Credential.Content = in.KeyFile
	}
	if provider != model.ProviderGCP && len(in.KeyFile) > 0 {
		writeError(ctx, w, model.Errorf(model.KindValidation, "submit", "keyFile is only accepted for GCP scans"))
		return
	}

	id, err := s.svc.Submit(ctx, req)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusAccepted, map[string]string{"scan_id": id})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Status(r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, rec)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]any{"data": s.svc.History()})
}

func (s *Server) scans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider, err := model.ParseProvider(r.PathValue("provider"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	list, err := s.svc.Scans(ctx, provider)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if list == nil {
		list = []model.ScanSummary{}
	}
	writeJSON(ctx, w, http.StatusOK, map[string]any{"data": list})
}

func (s *Server) findings(w http.ResponseWriter, r *http.Request) {
	scan, err := s.svc.Scan(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, scan)
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	var write func(io.Writer, model.ScanResult) error
	var contentType, ext string
	switch format {
	case "csv":
		write, contentType, ext = export.WriteCSV, "text/csv; charset=utf-8", "csv"
	case "cyclonedx":
		write, contentType, ext = export.WriteCycloneDX, "application/vnd.cyclonedx+json", "cdx.json"
	default:
		writeError(ctx, w, model.Errorf(model.KindValidation, "export", "unsupported format %q", format))
		return
	}

	scan, err := s.svc.Scan(ctx, r.PathValue("id"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-%s.%s"`, scan.Provider.Slug(), scan.ID, ext))
	if err := write(w, scan); err != nil {
		slog.WarnContext(ctx, "writing export", "format", format, "error", err)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.db.Ping(ctx); err != nil {
		writeJSON(ctx, w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "ok"})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
