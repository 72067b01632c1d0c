package mifare

import (
	"github.com/SimplyPrint/mifare-agent/internal/logging"
)

// AuthResult is the outcome of trying a key policy against one sector.
type AuthResult struct {
	Sector int     `json:"sector"`
	OK     bool    `json:"ok"`
	Slot   KeySlot `json:"slot,omitempty"`
	Key    *Key    `json:"key,omitempty"`
}

// Authenticate tries every key in policy with Key A, then every key again
// with Key B, and stops at the first that the card accepts. Mismatches and
// per-attempt errors move on to the next candidate. Exhausting the list is
// not an error: the result simply has OK=false. Only a transport failure
// is returned as an error.
func Authenticate(tag Tag, sector int, policy KeyPolicy) (AuthResult, error) {
	res := AuthResult{Sector: sector}

	slots := []struct {
		slot KeySlot
		try  func(int, Key) (bool, error)
	}{
		{KeyA, tag.AuthenticateSectorWithKeyA},
		{KeyB, tag.AuthenticateSectorWithKeyB},
	}

	for _, s := range slots {
		for _, key := range policy {
			ok, err := s.try(sector, key)
			if err != nil {
				if IsTransport(err) {
					return res, ioError(err, "authenticating sector %d", sector)
				}
				logging.Debug(logging.CatCard, "Key attempt failed", map[string]any{
					"sector": sector,
					"slot":   s.slot.String(),
					"key":    key.String(),
					"error":  err.Error(),
				})
				continue
			}
			if ok {
				k := key
				res.OK = true
				res.Slot = s.slot
				res.Key = &k
				logging.Debug(logging.CatCard, "Sector authenticated", map[string]any{
					"sector": sector,
					"slot":   s.slot.String(),
					"key":    key.String(),
				})
				return res, nil
			}
		}
	}

	return res, nil
}
