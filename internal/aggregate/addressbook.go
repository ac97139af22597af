package aggregate

import (
	"strings"

	"github.com/yourorg/whale-intel/internal/model"
)

// AddressBook classifies known addresses. Unknown addresses report false.
type AddressBook interface {
	Category(address string) (model.WalletCategory, bool)
}

// DefaultExchangeAddresses are well-known centralised exchange hot wallets on
// Ethereum, used when no list is configured.
var DefaultExchangeAddresses = []string{
	"0x28c6c06298d514db089934071355e5743bf21d60", // Binance 14
	"0xdfd5293d8e347dfe59e90efd55b2956a1343963d", // Binance 16
	"0x71660c4005ba85c37ccec55d0c4493e66fe775d3", // Coinbase
	"0xa9d1e08c7793af67e9d92fe308d5697fb81d3e43", // Coinbase 10
	"0x2910543af39aba0cd09dbb2d50200b3e800a63d2", // Kraken
}

// StaticAddressBook is an AddressBook over fixed address lists.
type StaticAddressBook struct {
	categories map[string]model.WalletCategory
}

// NewStaticAddressBook builds a book from exchange and developer addresses.
// An address listed as both is an exchange.
func NewStaticAddressBook(exchanges, devs []string) *StaticAddressBook {
	b := &StaticAddressBook{categories: make(map[string]model.WalletCategory, len(exchanges)+len(devs))}
	for _, addr := range devs {
		b.categories[normalize(addr)] = model.CategoryDev
	}
	for _, addr := range exchanges {
		b.categories[normalize(addr)] = model.CategoryExchange
	}
	delete(b.categories, "")
	return b
}

// Category implements AddressBook.
func (b *StaticAddressBook) Category(address string) (model.WalletCategory, bool) {
	c, ok := b.categories[normalize(address)]
	return c, ok
}

// Len returns the number of known addresses.
func (b *StaticAddressBook) Len() int {
	return len(b.categories)
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
