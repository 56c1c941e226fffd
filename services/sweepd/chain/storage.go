package chain

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/blake2b"
)

func twox(data []byte, rounds int) []byte {
	out := make([]byte, 0, 8*rounds)
	for seed := 0; seed < rounds; seed++ {
		h := xxhash.NewWithSeed(uint64(seed))
		_, _ = h.Write(data)
		out = binary.LittleEndian.AppendUint64(out, h.Sum64())
	}
	return out
}

func twox128(data []byte) []byte { return twox(data, 2) }

func twox64Concat(data []byte) []byte {
	return append(twox(data, 1), data...)
}

func blake2128Concat(data []byte) []byte {
	h, _ := blake2b.New(16, nil)
	_, _ = h.Write(data)
	return append(h.Sum(nil), data...)
}

func storagePrefix(pallet, item string) []byte {
	return append(twox128([]byte(pallet)), twox128([]byte(item))...)
}

func systemAccountKey(account []byte) []byte {
	return append(storagePrefix("System", "Account"), blake2128Concat(account)...)
}

func stakingRoundKey() []byte {
	return storagePrefix("ParachainStaking", "Round")
}

func proxyAnnouncementsKey(delegate []byte) []byte {
	return append(storagePrefix("Proxy", "Announcements"), twox64Concat(delegate)...)
}

// ParseAccount decodes a 0x-prefixed hex account id of 20 or 32 bytes.
func ParseAccount(account string) ([]byte, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(account))
	if err != nil {
		return nil, fmt.Errorf("chain: account %q: %w", account, err)
	}
	if len(raw) != 20 && len(raw) != 32 {
		return nil, fmt.Errorf("chain: account %q: expected 20 or 32 bytes, got %d", account, len(raw))
	}
	return raw, nil
}

// NormalizeAccount returns the canonical lower-case form of an account id.
func NormalizeAccount(account string) (string, error) {
	raw, err := ParseAccount(account)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(raw), nil
}

// Checksum returns the EIP-55 form of a 20-byte account for display. Other
// inputs are returned unchanged.
func Checksum(account string) string {
	raw, err := ParseAccount(account)
	if err != nil || len(raw) != common.AddressLength {
		return account
	}
	return common.BytesToAddress(raw).Hex()
}

// decodeAccountInfo reads frame_system::AccountInfo. Only the leading free and
// reserved balances of the account data are used.
func decodeAccountInfo(raw []byte) (Balance, error) {
	d := newDecoder(raw)
	// nonce, consumers, providers, sufficients
	if _, err := d.take(16); err != nil {
		return Balance{}, fmt.Errorf("decode account info: %w", err)
	}
	free, err := d.u128()
	if err != nil {
		return Balance{}, fmt.Errorf("decode free balance: %w", err)
	}
	reserved, err := d.u128()
	if err != nil {
		return Balance{}, fmt.Errorf("decode reserved balance: %w", err)
	}
	return Balance{Free: free, Reserved: reserved}, nil
}

func decodeRound(raw []byte) (Round, error) {
	d := newDecoder(raw)
	current, err := d.u32()
	if err != nil {
		return Round{}, fmt.Errorf("decode round index: %w", err)
	}
	first, err := d.u32()
	if err != nil {
		return Round{}, fmt.Errorf("decode round start: %w", err)
	}
	length, err := d.u32()
	if err != nil {
		return Round{}, fmt.Errorf("decode round length: %w", err)
	}
	return Round{Current: current, First: uint64(first), Length: uint64(length)}, nil
}

// decodeAnnouncements reads (BoundedVec<Announcement>, Balance). accountLen is
// the byte width of account ids on the chain.
func decodeAnnouncements(raw []byte, accountLen int) ([]PendingAnnouncement, error) {
	d := newDecoder(raw)
	count, err := d.compact()
	if err != nil {
		return nil, fmt.Errorf("decode announcement count: %w", err)
	}
	perItem := uint64(accountLen + 32 + 4)
	if remaining := uint64(len(raw) - d.off); count > remaining/perItem {
		return nil, fmt.Errorf("decode announcements: %d entries do not fit in %d bytes", count, remaining)
	}
	out := make([]PendingAnnouncement, 0, count)
	for i := uint64(0); i < count; i++ {
		realID, err := d.take(accountLen)
		if err != nil {
			return nil, fmt.Errorf("decode announcement real: %w", err)
		}
		hash, err := d.take(32)
		if err != nil {
			return nil, fmt.Errorf("decode announcement hash: %w", err)
		}
		height, err := d.u32()
		if err != nil {
			return nil, fmt.Errorf("decode announcement height: %w", err)
		}
		ann := PendingAnnouncement{Real: hexutil.Encode(realID), Height: uint64(height)}
		copy(ann.CallHash[:], hash)
		out = append(out, ann)
	}
	return out, nil
}

func cloneBigInt(in *big.Int) *big.Int {
	if in == nil {
		return nil
	}
	return new(big.Int).Set(in)
}
