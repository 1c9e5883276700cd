package registry

import (
	"strings"
	"testing"
	"time"
)

func TestCredentialRoundTrip(t *testing.T) {
	creds := NewCredentials("s3cret")
	access := []Access{{Type: "repository", Name: "cabotage/org/proj/app", Actions: []string{"push", "pull"}}}

	credential, err := creds.Generate(access)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if parts := strings.Split(credential, "."); len(parts) != 3 {
		t.Fatalf("expected payload.timestamp.signature, got %d parts", len(parts))
	}

	got, err := creds.Verify(credential, time.Minute)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 grant, got %d", len(got))
	}
	if got[0].Type != "repository" || got[0].Name != "cabotage/org/proj/app" {
		t.Fatalf("unexpected grant: %+v", got[0])
	}
	if len(got[0].Actions) != 2 || got[0].Actions[0] != "push" || got[0].Actions[1] != "pull" {
		t.Fatalf("unexpected actions: %v", got[0].Actions)
	}
}

func TestCredentialExpiry(t *testing.T) {
	issued := time.Now()
	creds := NewCredentials("s3cret")
	creds.now = func() time.Time { return issued }

	credential, err := creds.Generate(nil)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}

	creds.now = func() time.Time { return issued.Add(61 * time.Second) }
	if _, err := creds.Verify(credential, DefaultCredentialMaxAge); err != errCredentialExpired {
		t.Fatalf("expected errCredentialExpired, got %v", err)
	}

	creds.now = func() time.Time { return issued.Add(59 * time.Second) }
	if _, err := creds.Verify(credential, DefaultCredentialMaxAge); err != nil {
		t.Fatalf("expected credential still valid, got %v", err)
	}
}

func TestCredentialTamperedPayload(t *testing.T) {
	creds := NewCredentials("s3cret")
	credential, err := creds.Generate([]Access{{Type: "repository", Name: "a/b", Actions: []string{"pull"}}})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}

	forged := []Access{{Type: "repository", Name: "a/b", Actions: []string{"push", "pull"}}}
	forgedCreds := NewCredentials("s3cret")
	forgedCredential, err := forgedCreds.Generate(forged)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}

	// splice the forged payload onto the legitimate signature
	legit := strings.Split(credential, ".")
	spliced := strings.Split(forgedCredential, ".")[0] + "." + legit[1] + "." + legit[2]
	if _, err := creds.Verify(spliced, time.Minute); err != errBadSignature {
		t.Fatalf("expected errBadSignature, got %v", err)
	}
}

func TestCredentialWrongSecret(t *testing.T) {
	credential, err := NewCredentials("secret-a").Generate(nil)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if _, err := NewCredentials("secret-b").Verify(credential, time.Minute); err != errBadSignature {
		t.Fatalf("expected errBadSignature, got %v", err)
	}
}

func TestCredentialMalformed(t *testing.T) {
	creds := NewCredentials("s3cret")
	for _, credential := range []string{"", "no-dots", "one.dot"} {
		if _, err := creds.Verify(credential, time.Minute); err == nil {
			t.Fatalf("expected error for %q", credential)
		}
	}
}
