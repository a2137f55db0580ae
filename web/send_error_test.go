package web

import (
	"net/http/httptest"
	"testing"

	blog "github.com/acmetk/acme-broker/log"
	"github.com/acmetk/acme-broker/probs"
	"github.com/acmetk/acme-broker/test"

	berrors "github.com/acmetk/acme-broker/errors"
)

func TestSendErrorNamespace(t *testing.T) {
	rw := httptest.NewRecorder()
	logEvent := &RequestEvent{}
	SendError(blog.NewMock(), rw, logEvent, probs.BadNonce("nonce already redeemed"), nil)

	test.AssertEquals(t, rw.Code, 400)
	test.AssertEquals(t, rw.Header().Get("Content-Type"), "application/problem+json")
	test.AssertContains(t, rw.Body.String(), `"urn:ietf:params:acme:error:badNonce"`)
	test.AssertContains(t, rw.Body.String(), "nonce already redeemed")
}

func TestSendErrorAuditsInternalErrors(t *testing.T) {
	mockLog := blog.NewMock()
	rw := httptest.NewRecorder()
	logEvent := &RequestEvent{}
	SendError(mockLog, rw, logEvent, probs.ServerInternal("oh dear"), berrors.InternalServerError("secret detail"))

	test.AssertEquals(t, rw.Code, 500)
	test.AssertNotContains(t, rw.Body.String(), "secret detail")
	test.AssertEquals(t, len(mockLog.GetAllMatching("Internal error")), 1)
	test.AssertEquals(t, len(logEvent.InternalErrors), 2)
}

func TestSendErrorStatusNotSerialized(t *testing.T) {
	rw := httptest.NewRecorder()
	SendError(blog.NewMock(), rw, &RequestEvent{}, probs.Unauthorized("no"), nil)
	test.AssertEquals(t, rw.Code, 403)
	test.AssertNotContains(t, rw.Body.String(), `"status"`)
}
