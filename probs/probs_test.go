package probs

import (
	"net/http"
	"testing"

	"github.com/acmetk/acme-broker/identifier"
	"github.com/acmetk/acme-broker/test"
)

func TestProblemDetails(t *testing.T) {
	pd := &ProblemDetails{
		Type:       MalformedProblem,
		Detail:     "Wat? o.O",
		HTTPStatus: 403,
	}
	test.AssertEquals(t, pd.Error(), "malformed :: Wat? o.O")
}

func TestProblemDetailsToStatusCode(t *testing.T) {
	testCases := []struct {
		pb         *ProblemDetails
		statusCode int
	}{
		{&ProblemDetails{Type: ConnectionProblem}, http.StatusBadRequest},
		{&ProblemDetails{Type: MalformedProblem}, http.StatusBadRequest},
		{&ProblemDetails{Type: ServerInternalProblem}, http.StatusInternalServerError},
		{&ProblemDetails{Type: TLSProblem}, http.StatusBadRequest},
		{&ProblemDetails{Type: UnauthorizedProblem}, http.StatusForbidden},
		{&ProblemDetails{Type: RateLimitedProblem}, http.StatusTooManyRequests},
		{&ProblemDetails{Type: BadNonceProblem}, http.StatusBadRequest},
		{&ProblemDetails{Type: AlreadyRevokedProblem}, http.StatusBadRequest},
		{&ProblemDetails{Type: BadRevocationReasonProblem}, http.StatusBadRequest},
		{&ProblemDetails{Type: "foo"}, http.StatusInternalServerError},
		{&ProblemDetails{Type: "foo", HTTPStatus: 200}, 200},
		{&ProblemDetails{Type: ConnectionProblem, HTTPStatus: 200}, 200},
	}

	for _, c := range testCases {
		p := ProblemDetailsToStatusCode(c.pb)
		if c.statusCode != p {
			t.Errorf("Incorrect status code for %s. Expected %d, got %d", c.pb.Type, c.statusCode, p)
		}
	}
}

func TestProblemDetailsConvenience(t *testing.T) {
	testCases := []struct {
		pb           *ProblemDetails
		expectedType ProblemType
		statusCode   int
		detail       string
	}{
		{InvalidContact("invalid contact detail"), InvalidContactProblem, http.StatusBadRequest, "invalid contact detail"},
		{Connection("connection failure detail"), ConnectionProblem, http.StatusBadRequest, "connection failure detail"},
		{Malformed("malformed detail"), MalformedProblem, http.StatusBadRequest, "malformed detail"},
		{ServerInternal("internal error detail"), ServerInternalProblem, http.StatusInternalServerError, "internal error detail"},
		{Unauthorized("unauthorized detail"), UnauthorizedProblem, http.StatusForbidden, "unauthorized detail"},
		{RateLimited("rate limited detail"), RateLimitedProblem, http.StatusTooManyRequests, "rate limited detail"},
		{BadNonce("bad nonce detail"), BadNonceProblem, http.StatusBadRequest, "bad nonce detail"},
		{TLS("TLS error detail"), TLSProblem, http.StatusBadRequest, "TLS error detail"},
		{RejectedIdentifier("rejected identifier detail"), RejectedIdentifierProblem, http.StatusBadRequest, "rejected identifier detail"},
		{UnsupportedIdentifier("unsupported identifier %q", "detail"), UnsupportedIdentifierProblem, http.StatusBadRequest, `unsupported identifier "detail"`},
		{BadRevocationReason(2), BadRevocationReasonProblem, http.StatusBadRequest, "unsupported revocation reason code provided: 2"},
		{AccountDoesNotExist("no account"), AccountDoesNotExistProblem, http.StatusBadRequest, "no account"},
	}

	for _, c := range testCases {
		if c.pb.Type != c.expectedType {
			t.Errorf("Incorrect problem type. Expected %s got %s", c.expectedType, c.pb.Type)
		}

		if c.pb.HTTPStatus != c.statusCode {
			t.Errorf("Incorrect HTTP Status. Expected %d got %d", c.statusCode, c.pb.HTTPStatus)
		}

		if c.pb.Detail != c.detail {
			t.Errorf("Incorrect detail message. Expected %s got %s", c.detail, c.pb.Detail)
		}
	}
}

func TestWithSubProblems(t *testing.T) {
	top := RateLimited("too many requests")
	subProbs := []SubProblemDetails{
		{
			Identifier:     identifier.NewDNS("example.com"),
			ProblemDetails: *RateLimited("everyone uses this example domain"),
		},
		{
			Identifier:     identifier.NewDNS("other.example.com"),
			ProblemDetails: *Unauthorized("nope"),
		},
	}

	outResult := top.WithSubProblems(subProbs)
	// The original problem is never mutated.
	test.AssertEquals(t, len(top.SubProblems), 0)
	test.AssertEquals(t, len(outResult.SubProblems), 2)
	test.AssertEquals(t, outResult.SubProblems[0].Identifier.Value, "example.com")

	more := []SubProblemDetails{
		{
			Identifier:     identifier.NewDNS("third.example.com"),
			ProblemDetails: *RateLimited("this one too"),
		},
	}
	test.AssertEquals(t, len(outResult.WithSubProblems(more).SubProblems), 3)
}
