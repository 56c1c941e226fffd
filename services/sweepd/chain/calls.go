package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/blake2b"
)

// Call is a SCALE encoded runtime call.
type Call struct {
	Pallet string
	Method string
	Data   []byte
	// Value is the amount moved by a balance transfer, nil for other calls.
	Value *big.Int
}

// Hash returns the blake2b-256 digest used by Proxy.announce.
func (c Call) Hash() [32]byte { return blake2b.Sum256(c.Data) }

// Hex returns the 0x-prefixed call bytes.
func (c Call) Hex() string { return hexutil.Encode(c.Data) }

// Name returns Pallet.method.
func (c Call) Name() string { return c.Pallet + "." + c.Method }

// CallIndex addresses a call by pallet and call index in the runtime metadata.
type CallIndex struct {
	Pallet uint8
	Call   uint8
}

// CallIndices lists the runtime indices of the calls the sweeper composes.
type CallIndices struct {
	TransferKeepAlive CallIndex
	Proxy             CallIndex
	Announce          CallIndex
	ProxyAnnounced    CallIndex
}

// DefaultCallIndices matches the Moonbeam runtimes.
var DefaultCallIndices = CallIndices{
	TransferKeepAlive: CallIndex{Pallet: 10, Call: 3},
	Proxy:             CallIndex{Pallet: 22, Call: 0},
	Announce:          CallIndex{Pallet: 22, Call: 6},
	ProxyAnnounced:    CallIndex{Pallet: 22, Call: 9},
}

// CallBuilder composes the balance and proxy calls. With multiAddress set,
// account arguments are encoded as MultiAddress::Id instead of a bare id.
type CallBuilder struct {
	indices      CallIndices
	multiAddress bool
}

// NewCallBuilder returns a builder for the supplied runtime layout.
func NewCallBuilder(indices CallIndices, multiAddress bool) *CallBuilder {
	return &CallBuilder{indices: indices, multiAddress: multiAddress}
}

func (b *CallBuilder) lookup(account string) ([]byte, error) {
	raw, err := ParseAccount(account)
	if err != nil {
		return nil, err
	}
	if b.multiAddress {
		return append([]byte{0x00}, raw...), nil
	}
	return raw, nil
}

// Transfer composes Balances.transfer_keep_alive(dest, value).
func (b *CallBuilder) Transfer(destination string, amount *big.Int) (Call, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Call{}, fmt.Errorf("chain: transfer amount must be positive")
	}
	if err := checkU128(amount); err != nil {
		return Call{}, fmt.Errorf("chain: transfer amount: %w", err)
	}
	dest, err := b.lookup(destination)
	if err != nil {
		return Call{}, err
	}
	value, err := EncodeCompact(amount)
	if err != nil {
		return Call{}, err
	}
	data := []byte{b.indices.TransferKeepAlive.Pallet, b.indices.TransferKeepAlive.Call}
	data = append(data, dest...)
	data = append(data, value...)
	return Call{Pallet: "Balances", Method: "transfer_keep_alive", Data: data, Value: cloneBigInt(amount)}, nil
}

// Proxy composes Proxy.proxy(real, None, call).
func (b *CallBuilder) Proxy(real string, inner Call) (Call, error) {
	owner, err := b.lookup(real)
	if err != nil {
		return Call{}, err
	}
	data := []byte{b.indices.Proxy.Pallet, b.indices.Proxy.Call}
	data = append(data, owner...)
	data = append(data, 0x00)
	data = append(data, inner.Data...)
	return Call{Pallet: "Proxy", Method: "proxy", Data: data, Value: cloneBigInt(inner.Value)}, nil
}

// Announce composes Proxy.announce(real, call_hash).
func (b *CallBuilder) Announce(real string, callHash [32]byte) (Call, error) {
	owner, err := b.lookup(real)
	if err != nil {
		return Call{}, err
	}
	data := []byte{b.indices.Announce.Pallet, b.indices.Announce.Call}
	data = append(data, owner...)
	data = append(data, callHash[:]...)
	return Call{Pallet: "Proxy", Method: "announce", Data: data}, nil
}

// ProxyAnnounced composes Proxy.proxy_announced(delegate, real, None, call).
func (b *CallBuilder) ProxyAnnounced(delegate, real string, inner Call) (Call, error) {
	del, err := b.lookup(delegate)
	if err != nil {
		return Call{}, err
	}
	owner, err := b.lookup(real)
	if err != nil {
		return Call{}, err
	}
	data := []byte{b.indices.ProxyAnnounced.Pallet, b.indices.ProxyAnnounced.Call}
	data = append(data, del...)
	data = append(data, owner...)
	data = append(data, 0x00)
	data = append(data, inner.Data...)
	return Call{Pallet: "Proxy", Method: "proxy_announced", Data: data, Value: cloneBigInt(inner.Value)}, nil
}
