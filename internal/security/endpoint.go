package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Resolver looks up host addresses.
type Resolver interface {
	LookupHost(host string) ([]string, error)
}

type netResolver struct{}

func (netResolver) LookupHost(host string) ([]string, error) { return net.LookupHost(host) }

// ValidateWebhookURL checks that a notification endpoint is safe to call
// from the server: https only, and never a private, loopback or link-local
// address, whether given literally or by name.
func ValidateWebhookURL(rawURL string) error {
	return validateURL(rawURL, netResolver{})
}

func validateURL(rawURL string, resolver Resolver) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" {
		return fmt.Errorf("webhook URL must use https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook URL must have a host")
	}
	for _, b := range []string{"localhost", "metadata.google.internal"} {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("webhook host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	addrs, err := resolver.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve webhook host %s", host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("webhook host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
