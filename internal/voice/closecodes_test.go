package voice

import "testing"

func TestPolicyFor(t *testing.T) {
	cases := []struct {
		code   int
		policy Policy
		cred   Credential
	}{
		{1000, RetrySameIdentity, NoCredential},
		{1006, RetrySameIdentity, NoCredential},
		{4001, RetrySameIdentity, NoCredential},
		{4015, RetrySameIdentity, NoCredential},
		{4004, InvalidateCredential, TokenCredential},
		{4006, InvalidateCredential, SessionCredential},
		{4009, InvalidateCredential, SessionCredential},
		{4011, InvalidateCredential, EndpointCredential},
		{4014, NoReconnect, NoCredential},
		{4021, NoReconnect, NoCredential},
		{4022, NoReconnect, NoCredential},
		{closeNoMode, NoReconnect, NoCredential},
		{closeHandshake, RetrySameIdentity, NoCredential},
		{4999, RetrySameIdentity, NoCredential},
	}
	for _, tc := range cases {
		got := PolicyFor(tc.code)
		if got.Policy != tc.policy || got.Invalidate != tc.cred {
			t.Errorf("PolicyFor(%d) = %s/%s, want %s/%s", tc.code, got.Policy, got.Invalidate, tc.policy, tc.cred)
		}
		if got.Reason == "" {
			t.Errorf("PolicyFor(%d) has no reason", tc.code)
		}
	}
}
