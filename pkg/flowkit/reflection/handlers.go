package reflection

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/randalmurphal/flowkit/pkg/flowkit/flowstate"
	"github.com/randalmurphal/flowkit/pkg/flowkit/observability"
	"github.com/randalmurphal/flowkit/pkg/flowkit/status"
)

// ErrorResponse is the error envelope of the reflection API.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries a status code and the details a CLI shows to users.
type ErrorBody struct {
	Code    int          `json:"code"`
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Details ErrorDetails `json:"details,omitzero"`
}

// ErrorDetails holds optional diagnostics.
type ErrorDetails struct {
	Stack   string `json:"stack,omitempty"`
	TraceID string `json:"traceId,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

func (s *Server) handleActions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"flows": s.runner.Flows().Names()})
}

func (s *Server) handleRunFlow(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeError(c, status.Wrap(err, status.InvalidArgument, "read request"))
		return
	}
	state, err := flowstate.Unmarshal(body)
	if err != nil {
		writeError(c, status.Wrap(err, status.InvalidArgument, "decode flow state"))
		return
	}

	ctx := c.Request.Context()
	if tp := c.GetHeader("traceparent"); tp != "" {
		ctx = observability.ContextWithTraceParent(ctx, tp)
	}

	out, err := s.runner.Invoke(ctx, state)
	if err != nil {
		s.logger.Warn("run flow failed",
			"flow_id", state.FlowID,
			"flow_name", state.Name,
			"error", err.Error(),
		)
		se := status.Convert(err)
		if se.TraceID == "" {
			se = se.WithTrace(observability.TraceID(ctx))
		}
		writeError(c, se)
		return
	}

	data, err := out.Marshal()
	if err != nil {
		writeError(c, status.Wrap(err, status.Internal, "encode flow state"))
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func writeError(c *gin.Context, se *status.Error) {
	c.JSON(se.Code.HTTPStatus(), ErrorResponse{
		Error: ErrorBody{
			Code:    int(se.Code),
			Status:  se.Code.String(),
			Message: status.Message(se),
			Details: ErrorDetails{Stack: se.Stack, TraceID: se.TraceID},
		},
	})
}
