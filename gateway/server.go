// Copyright 2025 ArkTech NWA
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ArkTechNWA/postgres-mcp/config"
	"github.com/ArkTechNWA/postgres-mcp/guard"
	"github.com/ArkTechNWA/postgres-mcp/introspect"
	"github.com/ArkTechNWA/postgres-mcp/policy"
	"github.com/ArkTechNWA/postgres-mcp/shared/logger"
)

// maxLineBytes caps a single request line. Statements an agent sends are
// small; anything past this is a protocol error, not a query.
const maxLineBytes = 1 << 20

// Request is one tool invocation read from stdin.
type Request struct {
	ID   string          `json:"id"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// Response is one reply written to stdout. Error carries the stable
// failure envelope when ok is false.
type Response struct {
	ID     string         `json:"id"`
	OK     bool           `json:"ok"`
	Result interface{}    `json:"result,omitempty"`
	Error  *guard.Failure `json:"error,omitempty"`
}

// Server dispatches tool requests over a line-oriented stdio channel. One
// request per line in, one response per line out; requests run
// concurrently, bounded downstream by the pool.
type Server struct {
	cfg    *config.Config
	mgr    *guard.Manager
	exec   *guard.Executor
	police *policy.Engine
	insp   *introspect.Inspector
	log    *logger.Logger

	writeMu sync.Mutex
	out     io.Writer
}

// NewServer wires the tool surface over the guard.
func NewServer(cfg *config.Config, mgr *guard.Manager, exec *guard.Executor, police *policy.Engine, insp *introspect.Inspector, log *logger.Logger) *Server {
	return &Server{
		cfg:    cfg,
		mgr:    mgr,
		exec:   exec,
		police: police,
		insp:   insp,
		log:    log,
	}
}

// Serve reads requests from in and writes responses to out until EOF or
// ctx cancellation. Malformed lines get error responses; they never stop
// the loop.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(Response{
				ID: "", OK: false,
				Error: protocolError("malformed request: " + err.Error()),
			})
			continue
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			s.write(s.dispatch(ctx, req))
		}(req)
	}
	return scanner.Err()
}

// dispatch routes one request to its tool handler and shapes the response.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	start := time.Now()

	handler, ok := s.tools()[req.Tool]
	if !ok {
		promRequestsTotal.WithLabelValues("error").Inc()
		return Response{
			ID: req.ID, OK: false,
			Error: protocolError("unknown tool: " + req.Tool),
		}
	}

	result, err := handler(ctx, req)
	elapsed := time.Since(start)
	promRequestDuration.WithLabelValues(req.Tool).Observe(float64(elapsed.Milliseconds()))

	if err != nil {
		f := guard.AsFailure(err)
		if f == nil {
			f = protocolError(err.Error())
		}
		promRequestsTotal.WithLabelValues("error").Inc()
		promFailuresTotal.WithLabelValues(string(f.Kind)).Inc()
		s.log.ErrorWithCause(req.ID, "tool call failed", err, map[string]interface{}{
			"tool": req.Tool,
			"type": string(f.Kind),
		})
		return Response{ID: req.ID, OK: false, Error: f}
	}

	promRequestsTotal.WithLabelValues("success").Inc()
	s.log.InfoWithDuration(req.ID, "tool call completed", float64(elapsed.Milliseconds()), map[string]interface{}{
		"tool": req.Tool,
	})
	return Response{ID: req.ID, OK: true, Result: result}
}

// protocolError shapes a tool-layer error (bad args, unknown tool) into
// the failure envelope. These never reach the database, so the kind is
// query_error: not retryable without changing the input.
func protocolError(message string) *guard.Failure {
	return guard.NewFailure(guard.FailureQueryError, message, 0, nil)
}

func (s *Server) write(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.ErrorWithCause(resp.ID, "failed to marshal response", err, nil)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.out.Write(append(data, '\n'))
}
