package constellation

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Auditor is one validator of the constellation.
type Auditor struct {
	ID        uint8             // ID is the small integer id carried in signatures
	PubKey    ed25519.PublicKey // PubKey is the transport identity
	BLSPubKey []byte            // BLSPubKey verifies payload signatures
	Address   string            // Address is the QUIC listen address
}

// Membership is the current constellation configuration.
// It is safe for concurrent access; Update replaces the auditor set in place
// so in-flight quorum decisions observe the new counts.
type Membership struct {
	mu       sync.RWMutex
	alphaID  uint8
	auditors map[uint8]*Auditor
	byPubKey map[string]uint8
}

// NewMembership creates a membership from an auditor list and the alpha's id.
func NewMembership(alphaID uint8, auditors []*Auditor) (*Membership, error) {
	m := &Membership{}

	if err := m.Update(alphaID, auditors); err != nil {
		return nil, err
	}

	return m, nil
}

// Update replaces the auditor set. The alpha must be one of the auditors.
func (m *Membership) Update(alphaID uint8, auditors []*Auditor) error {
	byID := make(map[uint8]*Auditor, len(auditors))
	byPubKey := make(map[string]uint8, len(auditors))

	for _, a := range auditors {
		if _, dup := byID[a.ID]; dup {
			return fmt.Errorf("duplicate auditor id %d", a.ID)
		}

		byID[a.ID] = a

		if len(a.PubKey) > 0 {
			byPubKey[hex.EncodeToString(a.PubKey)] = a.ID
		}
	}

	if _, ok := byID[alphaID]; !ok {
		return fmt.Errorf("alpha %d is not an auditor", alphaID)
	}

	m.mu.Lock()
	m.alphaID = alphaID
	m.auditors = byID
	m.byPubKey = byPubKey
	m.mu.Unlock()

	return nil
}

// AlphaID returns the leader's auditor id.
func (m *Membership) AlphaID() uint8 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.alphaID
}

// TotalAuditors returns the number of auditors, alpha included.
func (m *Membership) TotalAuditors() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.auditors)
}

// RequiredMajority returns the minimum signature count to finalize an apex.
func (m *Membership) RequiredMajority() int {
	return MajorityCount(m.TotalAuditors())
}

// MajorityCount returns the strict majority of total: total/2 + 1.
func MajorityCount(total int) int {
	return total/2 + 1
}

// AuditorKey returns the BLS public key of an auditor.
func (m *Membership) AuditorKey(id uint8) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.auditors[id]
	if !ok || len(a.BLSPubKey) == 0 {
		return nil, false
	}

	return a.BLSPubKey, true
}

// Auditor returns the auditor with the given id, or nil.
func (m *Membership) Auditor(id uint8) *Auditor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.auditors[id]
}

// AuditorByPubKey maps a transport identity to an auditor id.
func (m *Membership) AuditorByPubKey(pubKey ed25519.PublicKey) (uint8, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPubKey[hex.EncodeToString(pubKey)]
	return id, ok
}

// Auditors returns all auditors ordered by id.
func (m *Membership) Auditors() []*Auditor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Auditor, 0, len(m.auditors))
	for _, a := range m.auditors {
		result = append(result, a)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})

	return result
}

// fileAuditor is the JSON form of an auditor in the constellation file.
type fileAuditor struct {
	ID        uint8  `json:"id"`
	PubKey    string `json:"pubkey"`
	BLSPubKey string `json:"bls_pubkey"`
	Address   string `json:"address"`
}

// fileConstellation is the JSON constellation file.
type fileConstellation struct {
	Alpha    uint8         `json:"alpha"`
	Auditors []fileAuditor `json:"auditors"`
}

// LoadMembership reads a constellation file.
func LoadMembership(path string) (*Membership, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read constellation file:\n%w", err)
	}

	return ParseMembership(data)
}

// ParseMembership decodes a constellation file's contents.
func ParseMembership(data []byte) (*Membership, error) {
	var file fileConstellation
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode constellation:\n%w", err)
	}

	auditors := make([]*Auditor, 0, len(file.Auditors))

	for _, fa := range file.Auditors {
		pub, err := hex.DecodeString(fa.PubKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("auditor %d: invalid pubkey", fa.ID)
		}

		bls, err := hex.DecodeString(fa.BLSPubKey)
		if err != nil || len(bls) != BLSPublicKeySize {
			return nil, fmt.Errorf("auditor %d: invalid bls pubkey", fa.ID)
		}

		auditors = append(auditors, &Auditor{
			ID:        fa.ID,
			PubKey:    ed25519.PublicKey(pub),
			BLSPubKey: bls,
			Address:   fa.Address,
		})
	}

	return NewMembership(file.Alpha, auditors)
}
