// Doomsday
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package httplib implements common utility functions for writing and
// consuming the doomsday JSON API.
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// maxRequestSize caps JSON request bodies. The largest legitimate request
// is a refresh naming every backend.
const maxRequestSize = 1 << 20

// HandlerFunc is an HTTP handler that returns a JSON-serializable result
// or an error. Returning a nil result means the handler already wrote the
// response itself.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler converts fn into an httprouter handle, translating returned
// errors into JSON error responses.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out != nil {
			roundtrip.ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReadJSON decodes the request body into val. Malformed bodies come back
// as bad parameter errors so the caller replies 400.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		return trace.BadParameter("failed to read request body: %v", err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("failed to parse request body: %v", err)
	}
	return nil
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// ReplyError writes err to w as {"error": ...} with the matching status
// code.
func ReplyError(w http.ResponseWriter, err error) {
	roundtrip.ReplyJSON(w, ErrorToCode(err), errorBody{Error: trace.UserMessage(err)})
}

// ErrorToCode maps trace error types onto the doomsday API status codes.
// The API has no notion of authorization beyond holding a valid session,
// so access denials are 401 rather than 403.
func ErrorToCode(err error) int {
	if trace.IsAccessDenied(err) {
		return http.StatusUnauthorized
	}
	return trace.ErrorToCode(err)
}

// ConvertResponse turns a non-2xx API response into the trace error the
// server replied with, so client code can branch on trace predicates the
// same way server code does.
func ConvertResponse(resp *roundtrip.Response, err error) (*roundtrip.Response, error) {
	if err != nil {
		return nil, trace.ConnectionProblem(err, "request failed")
	}
	code := resp.Code()
	if code >= 200 && code < 300 {
		return resp, nil
	}
	var body errorBody
	message := string(resp.Bytes())
	if json.Unmarshal(resp.Bytes(), &body) == nil && body.Error != "" {
		message = body.Error
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, trace.AccessDenied("%s", message)
	case http.StatusBadRequest:
		return nil, trace.BadParameter("%s", message)
	case http.StatusNotFound:
		return nil, trace.NotFound("%s", message)
	default:
		if code >= 500 {
			return nil, trace.ConnectionProblem(nil, "server error %v: %s", code, message)
		}
		return nil, trace.BadParameter("unexpected response %v: %s", code, message)
	}
}
