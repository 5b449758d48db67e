package parser

import (
	"net/mail"
	"strings"

	"github.com/nhle/mailgraph/internal/model"
)

// parseAddressList splits a recipient header on commas or semicolons
// (both occur from real-world senders) and parses each entry. Entries
// that fail strict parsing are kept as bare addresses rather than
// dropped; a missing display name yields an empty name, not an error.
func parseAddressList(value string) []model.EmailAddress {
	value = decodeHeader(value)
	if strings.TrimSpace(value) == "" {
		return nil
	}

	var addrs []model.EmailAddress
	for _, entry := range splitAddresses(value) {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parsed, err := mail.ParseAddress(entry)
		if err != nil {
			// Best effort: treat what is left as a bare address.
			bare := strings.Trim(entry, "<> ")
			if bare == "" {
				continue
			}
			addrs = append(addrs, model.EmailAddress{
				Address: strings.ToLower(bare),
			})
			continue
		}

		addrs = append(addrs, model.EmailAddress{
			Name:    parsed.Name,
			Address: strings.ToLower(parsed.Address),
		})
	}
	return addrs
}

// splitAddresses splits on top-level commas and semicolons, ignoring
// separators inside quoted display names and angle brackets.
func splitAddresses(value string) []string {
	var (
		parts   []string
		start   int
		inQuote bool
		inAngle bool
		escaped bool
	)

	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inQuote:
			escaped = true
		case c == '"':
			inQuote = !inQuote
		case c == '<' && !inQuote:
			inAngle = true
		case c == '>' && !inQuote:
			inAngle = false
		case (c == ',' || c == ';') && !inQuote && !inAngle:
			parts = append(parts, value[start:i])
			start = i + 1
		}
	}
	parts = append(parts, value[start:])
	return parts
}
