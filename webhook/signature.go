package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaykit/relaykit/fault"
)

// DefaultReplayTolerance bounds how far a signed timestamp may drift from
// the server clock before the delivery is rejected as a replay.
const DefaultReplayTolerance = 300 * time.Second

// Strategy verifies a provider's webhook signature scheme. Verify
// reports whether a signature header was present and whether it checks
// out; verification failures are fault.Signature errors.
type Strategy interface {
	Name() string
	Verify(secret string, header http.Header, body []byte, now time.Time, tolerance time.Duration) (present bool, err error)
}

// Strategy names accepted on trigger records.
const (
	ProviderSlack   = "slack-v0"
	ProviderGitHub  = "github-hmac-sha256"
	ProviderStripe  = "stripe-sha256"
	ProviderGeneric = "generic-hmac"
)

// StrategyFor maps a trigger provider to its signature strategy.
// Unknown providers get the generic scheme.
func StrategyFor(provider string) Strategy {
	switch provider {
	case ProviderSlack, "slack":
		return slackV0{}
	case ProviderGitHub, "github":
		return githubHMAC{}
	case ProviderStripe, "stripe":
		return stripeSHA256{}
	}
	return genericHMAC{}
}

func signHex(secret string, parts ...[]byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func macEqual(expected, got string) bool {
	return hmac.Equal([]byte(expected), []byte(got))
}

func checkFreshness(ts, now time.Time, tolerance time.Duration) error {
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return fault.New(fault.Signature, "signature timestamp outside replay tolerance")
	}
	return nil
}

// slackV0 implements Slack's v0 request signing: the signature header
// carries "v0=" + HMAC-SHA256 over "v0:{timestamp}:{body}".
type slackV0 struct{}

func (slackV0) Name() string { return ProviderSlack }

func (slackV0) Verify(secret string, header http.Header, body []byte, now time.Time, tolerance time.Duration) (bool, error) {
	sig := header.Get("X-Slack-Signature")
	ts := header.Get("X-Slack-Request-Timestamp")
	if sig == "" || ts == "" {
		return false, fault.New(fault.Signature, "missing slack signature headers")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return true, fault.New(fault.Signature, "malformed slack timestamp")
	}
	if err := checkFreshness(time.Unix(unix, 0), now, tolerance); err != nil {
		return true, err
	}
	expected := "v0=" + signHex(secret, []byte("v0:"), []byte(ts), []byte(":"), body)
	if !macEqual(expected, sig) {
		return true, fault.New(fault.Signature, "slack signature mismatch")
	}
	return true, nil
}

// githubHMAC implements GitHub's X-Hub-Signature-256 scheme: "sha256=" +
// HMAC-SHA256 over the raw body. GitHub does not sign a timestamp.
type githubHMAC struct{}

func (githubHMAC) Name() string { return ProviderGitHub }

func (githubHMAC) Verify(secret string, header http.Header, body []byte, _ time.Time, _ time.Duration) (bool, error) {
	sig := header.Get("X-Hub-Signature-256")
	if sig == "" {
		return false, fault.New(fault.Signature, "missing X-Hub-Signature-256 header")
	}
	expected := "sha256=" + signHex(secret, body)
	if !macEqual(expected, sig) {
		return true, fault.New(fault.Signature, "github signature mismatch")
	}
	return true, nil
}

// stripeSHA256 implements Stripe's Stripe-Signature scheme: the header
// carries "t={ts},v1={mac}[,v1=…]" and the MAC covers "{ts}.{body}". Any
// matching v1 entry accepts the delivery, so key rotation overlaps work.
type stripeSHA256 struct{}

func (stripeSHA256) Name() string { return ProviderStripe }

func (stripeSHA256) Verify(secret string, header http.Header, body []byte, now time.Time, tolerance time.Duration) (bool, error) {
	raw := header.Get("Stripe-Signature")
	if raw == "" {
		return false, fault.New(fault.Signature, "missing Stripe-Signature header")
	}
	var ts string
	var macs []string
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			macs = append(macs, v)
		}
	}
	if ts == "" || len(macs) == 0 {
		return true, fault.New(fault.Signature, "malformed Stripe-Signature header")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return true, fault.New(fault.Signature, "malformed stripe timestamp")
	}
	if err := checkFreshness(time.Unix(unix, 0), now, tolerance); err != nil {
		return true, err
	}
	expected := signHex(secret, []byte(ts), []byte("."), body)
	for _, mac := range macs {
		if macEqual(expected, mac) {
			return true, nil
		}
	}
	return true, fault.New(fault.Signature, "stripe signature mismatch")
}

// genericHMAC verifies X-Signature as hex HMAC-SHA256 over the body,
// prefixed by X-Timestamp when the caller sends one. Freshness is only
// enforced when a timestamp participates in the MAC.
type genericHMAC struct{}

func (genericHMAC) Name() string { return ProviderGeneric }

func (genericHMAC) Verify(secret string, header http.Header, body []byte, now time.Time, tolerance time.Duration) (bool, error) {
	sig := header.Get("X-Signature")
	if sig == "" {
		return false, fault.New(fault.Signature, "missing X-Signature header")
	}
	ts := header.Get("X-Timestamp")
	var expected string
	if ts != "" {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return true, fault.New(fault.Signature, "malformed timestamp")
		}
		if err := checkFreshness(time.Unix(unix, 0), now, tolerance); err != nil {
			return true, err
		}
		expected = signHex(secret, []byte(ts), body)
	} else {
		expected = signHex(secret, body)
	}
	if !macEqual(expected, sig) {
		return true, fault.New(fault.Signature, "signature mismatch")
	}
	return true, nil
}
