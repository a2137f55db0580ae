package web

import (
	"encoding/json"
	"net/http"

	blog "github.com/acmetk/acme-broker/log"
	"github.com/acmetk/acme-broker/probs"
)

// SendError does a few things that we want for each error response:
//   - Adds both the external and the internal error to a RequestEvent.
//   - If the ProblemDetails provided is a ServerInternalProblem, audit logs the
//     internal error.
//   - Prefixes the Type field of the ProblemDetails with the RFC 8555 error
//     namespace.
//   - Sends an HTTP response containing the error and an error code to a user.
func SendError(
	log blog.Logger,
	response http.ResponseWriter,
	logEvent *RequestEvent,
	prob *probs.ProblemDetails,
	ierr error,
) {
	// Determine the HTTP status code to use for this problem
	code := probs.ProblemDetailsToStatusCode(prob)

	// Record details to the log event
	logEvent.AddError("%s", prob.Detail)
	if ierr != nil {
		logEvent.AddError("%s", ierr)
	}

	// Only audit log internal errors so users cannot purposefully cause
	// auditable events.
	if prob.Type == probs.ServerInternalProblem {
		if ierr != nil {
			log.AuditErrf("Internal error - %s - %s", prob.Detail, ierr)
		} else {
			log.AuditErrf("Internal error - %s", prob.Detail)
		}
	}

	// Suppress the "status" field in the problem document itself; the
	// HTTP status line carries it.
	status := prob.HTTPStatus
	prob.HTTPStatus = 0

	// Prefix the problem type with the RFC 8555 error namespace and marshal
	// to JSON.
	prob.Type = probs.ProblemType(probs.ErrorNS) + prob.Type
	problemDoc, err := json.MarshalIndent(prob, "", "  ")
	if err != nil {
		log.AuditErrf("Could not marshal error message: %s - %+v", err, prob)
		problemDoc = []byte("{\"detail\": \"Problem marshalling error message.\"}")
	}
	prob.HTTPStatus = status

	// Write the JSON problem response
	response.Header().Set("Content-Type", "application/problem+json")
	if code != 0 {
		response.WriteHeader(code)
	}
	response.Write(problemDoc)
}
