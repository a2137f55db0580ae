package sa

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/acmetk/acme-broker/core"
	"github.com/acmetk/acme-broker/identifier"
	"github.com/acmetk/acme-broker/probs"
	"github.com/acmetk/acme-broker/test"
)

func testKey(t *testing.T) *jose.JSONWebKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "generating test key")
	return &jose.JSONWebKey{Key: key.Public()}
}

func TestRegistrationModelRoundTrip(t *testing.T) {
	reg := core.Registration{
		ID:        1,
		Key:       testKey(t),
		Contact:   []string{"mailto:admin@example.com"},
		Agreement: "yup",
		CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Status:    core.StatusValid,
	}

	rm, err := registrationToModel(&reg)
	test.AssertNotError(t, err, "registrationToModel failed")
	test.Assert(t, rm.KeySHA256 != "", "expected model to carry a key digest")

	out, err := modelToRegistration(rm)
	test.AssertNotError(t, err, "modelToRegistration failed")
	test.AssertEquals(t, out.ID, reg.ID)
	test.AssertDeepEquals(t, out.Contact, reg.Contact)
	test.AssertEquals(t, out.Agreement, reg.Agreement)
	test.AssertEquals(t, out.Status, reg.Status)

	digestBefore, err := core.KeyDigestB64(reg.Key.Key)
	test.AssertNotError(t, err, "digesting input key")
	digestAfter, err := core.KeyDigestB64(out.Key.Key)
	test.AssertNotError(t, err, "digesting output key")
	test.AssertEquals(t, digestBefore, digestAfter)
}

func TestRegistrationModelNilContact(t *testing.T) {
	rm, err := registrationToModel(&core.Registration{Key: testKey(t)})
	test.AssertNotError(t, err, "registrationToModel failed")
	test.AssertDeepEquals(t, rm.Contact, []string{})
}

func TestModelToRegistrationBadJSON(t *testing.T) {
	badJSON := []byte(`{`)
	_, err := modelToRegistration(&regModel{Key: badJSON})
	test.AssertError(t, err, "expected error from truncated key JSON")
	var badJSONErr errBadJSON
	test.AssertErrorWraps(t, err, &badJSONErr)
	test.AssertEquals(t, string(badJSONErr.json), string(badJSON))
}

func TestOrderModelRoundTrip(t *testing.T) {
	order := core.Order{
		ID:             5,
		RegistrationID: 1,
		Created:        time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Expires:        time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC),
		Identifiers: []identifier.ACMEIdentifier{
			identifier.NewDNS("a.example.com"),
			identifier.NewDNS("b.example.com"),
		},
		Error: &probs.ProblemDetails{
			Type:       probs.ConnectionProblem,
			Detail:     "couldn't connect",
			HTTPStatus: http.StatusBadRequest,
		},
		CertificateSerial: "",
		BeganProcessing:   false,
	}

	om, err := orderToModel(&order)
	test.AssertNotError(t, err, "orderToModel failed")

	out, err := modelToOrder(om)
	test.AssertNotError(t, err, "modelToOrder failed")
	test.AssertEquals(t, out.ID, order.ID)
	test.AssertDeepEquals(t, out.Identifiers, order.Identifiers)
	test.AssertDeepEquals(t, out.Error, order.Error)
	test.AssertEquals(t, out.BeganProcessing, order.BeganProcessing)
}

func TestModelToOrderBadErrorJSON(t *testing.T) {
	badJSON := []byte(`{`)
	_, err := modelToOrder(&orderModel{
		Identifiers: `[{"type":"dns","value":"example.com"}]`,
		Error:       badJSON,
	})
	test.AssertError(t, err, "expected error from truncated problem JSON")
	var badJSONErr errBadJSON
	test.AssertErrorWraps(t, err, &badJSONErr)
	test.AssertEquals(t, string(badJSONErr.json), string(badJSON))
}

func TestIdentifiersJSONCanonical(t *testing.T) {
	// Two identically normalized identifier lists must serialize to the
	// same string, since order reuse matches on string equality in SQL.
	a, err := identifier.NormalizeAll([]identifier.ACMEIdentifier{
		identifier.NewDNS("B.example.com"),
		identifier.NewDNS("a.example.com"),
	})
	test.AssertNotError(t, err, "normalizing first list")
	b, err := identifier.NormalizeAll([]identifier.ACMEIdentifier{
		identifier.NewDNS("a.EXAMPLE.com"),
		identifier.NewDNS("b.example.com"),
		identifier.NewDNS("a.example.com"),
	})
	test.AssertNotError(t, err, "normalizing second list")

	aJSON, err := identifiersJSON(a)
	test.AssertNotError(t, err, "serializing first list")
	bJSON, err := identifiersJSON(b)
	test.AssertNotError(t, err, "serializing second list")
	test.AssertEquals(t, aJSON, bJSON)
}

func TestAuthzModelRoundTrip(t *testing.T) {
	expires := time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC)
	validated := time.Date(2025, 3, 2, 9, 30, 0, 0, time.UTC)
	authz := core.Authorization{
		ID:             77,
		Identifier:     identifier.NewDNS("example.com"),
		RegistrationID: 1,
		Status:         core.StatusValid,
		Expires:        &expires,
		Challenges: []core.Challenge{
			{
				Type:      core.ChallengeTypeHTTP01,
				Status:    core.StatusValid,
				Token:     "i_am_a_token_of_exactly_the_right_length43",
				Attempts:  1,
				Validated: &validated,
				ValidationRecord: []core.ValidationRecord{
					{
						URL:               "http://example.com/.well-known/acme-challenge/tok",
						Hostname:          "example.com",
						Port:              "80",
						AddressesResolved: []string{"192.0.2.1"},
						AddressUsed:       "192.0.2.1",
					},
				},
			},
		},
	}

	am, err := authzToModel(&authz)
	test.AssertNotError(t, err, "authzToModel failed")
	test.AssertEquals(t, am.IdentifierValue, "example.com")

	out := modelToAuthz(am)
	test.AssertEquals(t, out.ID, authz.ID)
	test.AssertDeepEquals(t, out.Identifier, authz.Identifier)
	test.AssertEquals(t, out.Status, authz.Status)
	test.AssertDeepEquals(t, out.Challenges, authz.Challenges)
}

func TestMirrorModelRoundTrip(t *testing.T) {
	mirror := core.UpstreamMirror{
		ID:             3,
		OrderID:        5,
		UpstreamURL:    "https://upstream.example/acme/order/123",
		UpstreamStatus: core.StatusProcessing,
		CertificateURL: "",
		LeaseUntil:     time.Date(2025, 3, 1, 12, 5, 0, 0, time.UTC),
		LeaseHolder:    "broker-1",
		PollAttempts:   4,
		LastPolled:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	mm := mirrorToModel(&mirror)
	out := modelToMirror(mm)
	test.AssertDeepEquals(t, out, mirror)
}
