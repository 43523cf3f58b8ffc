package models

import "testing"

func TestDeviceEndpoint(t *testing.T) {
	device := Device{IP: "192.168.1.20", Port: 47200}
	if got := device.Endpoint(); got != "192.168.1.20:47200" {
		t.Fatalf("unexpected endpoint %q", got)
	}

	ipv6 := Device{IP: "fe80::1", Port: 47200}
	if got := ipv6.Endpoint(); got != "[fe80::1]:47200" {
		t.Fatalf("unexpected IPv6 endpoint %q", got)
	}
}

func TestIdentityValidate(t *testing.T) {
	var identity Identity
	if err := identity.Validate(); err == nil {
		t.Fatalf("empty identity must not validate")
	}
}
