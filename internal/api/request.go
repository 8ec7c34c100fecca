package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

const maxBodyBytes = 1 << 20

// scanRequest is a validated POST /scan/{username} request.
type scanRequest struct {
	Barcode string
	ID      uuid.UUID // uuid.Nil when the database should pick one
}

// scanFields is the raw request in any encoding. Text is an alias of Barcode.
type scanFields struct {
	Barcode string `json:"barcode"`
	Text    string `json:"text"`
	ID      string `json:"id"`
}

func fieldsFromValues(v url.Values) scanFields {
	return scanFields{Barcode: v.Get("barcode"), Text: v.Get("text"), ID: v.Get("id")}
}

// parseScanRequest reads the barcode from the query string when present and
// from the body otherwise. The body may be JSON or a urlencoded form.
func parseScanRequest(r *http.Request) (scanRequest, error) {
	fields := fieldsFromValues(r.URL.Query())
	if fields.Barcode == "" && fields.Text == "" {
		var err error
		if fields, err = bodyFields(r); err != nil {
			return scanRequest{}, errors.Trace(err)
		}
	}
	return fields.validate()
}

func bodyFields(r *http.Request) (scanFields, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var f scanFields
		if err := decodeJSON(r, &f); err != nil {
			return scanFields{}, err
		}
		return f, nil
	case "application/x-www-form-urlencoded":
		r.Body = io.NopCloser(io.LimitReader(r.Body, maxBodyBytes))
		if err := r.ParseForm(); err != nil {
			return scanFields{}, errors.NewNotValid(err, "form body")
		}
		return fieldsFromValues(r.PostForm), nil
	}
	return scanFields{}, nil
}

func (f scanFields) validate() (scanRequest, error) {
	barcode, text := f.Barcode, f.Text
	switch {
	case barcode == "" && text == "":
		return scanRequest{}, errors.BadRequestf("missing required field 'barcode' or 'text'")
	case barcode != "" && text != "":
		return scanRequest{}, errors.BadRequestf("exactly one of 'barcode' or 'text' must be provided")
	case barcode == "":
		barcode = text
	}

	req := scanRequest{Barcode: barcode}
	if f.ID == "" {
		return req, nil
	}
	id, err := parseUUIDv4(f.ID)
	if err != nil {
		return scanRequest{}, errors.Trace(err)
	}
	req.ID = id
	return req, nil
}

func parseUUIDv4(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil || id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return uuid.Nil, errors.NotValidf("v4 uuid %q", s)
	}
	return id, nil
}

// deleteRequest selects scans by id and/or owner.
type deleteRequest struct {
	IDs   []uuid.UUID
	Users []string
}

type deleteBody struct {
	IDs   []string `json:"ids"`
	Users []string `json:"users"`
}

// parseDeleteRequest merges ids and users from the query string (repeated or
// comma separated) with those from a JSON body.
func parseDeleteRequest(r *http.Request) (deleteRequest, error) {
	q := r.URL.Query()
	body := deleteBody{
		IDs:   splitValues(q["ids"]),
		Users: splitValues(q["users"]),
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var b deleteBody
		if err := decodeJSON(r, &b); err != nil {
			return deleteRequest{}, errors.Trace(err)
		}
		body.IDs = append(body.IDs, b.IDs...)
		body.Users = append(body.Users, b.Users...)
	}

	var req deleteRequest
	for _, raw := range body.IDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			return deleteRequest{}, errors.NotValidf("scan id %q", raw)
		}
		req.IDs = append(req.IDs, id)
	}
	for _, u := range body.Users {
		if u != "" {
			req.Users = append(req.Users, u)
		}
	}
	if len(req.IDs) == 0 && len(req.Users) == 0 {
		return deleteRequest{}, errors.BadRequestf("either 'ids' or 'users' must be provided as a non-empty array")
	}
	return req, nil
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// decodeJSON decodes a bounded JSON body. An empty body leaves into untouched.
func decodeJSON(r *http.Request, into any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(into); err != nil && err != io.EOF {
		return errors.NewNotValid(err, "JSON body")
	}
	return nil
}
