package ble

import "testing"

func TestAdvertisePayloadBoundedByMaxFragmentPayload(t *testing.T) {
	// The advertiser push fallback in Bearer.Send only applies to frames
	// within MaxIdentityAdvertisePayload; sanity-check the constant
	// relationship the cascade depends on.
	if MaxIdentityAdvertisePayload >= MaxFragmentPayload(MaxMTU) {
		t.Fatalf("expected the advertise payload ceiling to be smaller than a full MTU fragment, got %d vs %d", MaxIdentityAdvertisePayload, MaxFragmentPayload(MaxMTU))
	}
}
