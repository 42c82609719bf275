package keys_test

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/catalogfi/resolver/pkg/chain"
	"github.com/catalogfi/resolver/pkg/chain/suikey"
	"github.com/catalogfi/resolver/pkg/keys"
	"github.com/ethereum/go-ethereum/crypto"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Keys", func() {
	const mnemonic = "test test test test test test test test test test test junk"

	It("should derive the well known development accounts", func() {
		k, err := keys.FromMnemonic(mnemonic)
		Expect(err).To(BeNil())

		key, err := k.EVM(0)
		Expect(err).To(BeNil())
		Expect(crypto.PubkeyToAddress(key.PublicKey).Hex()).Should(Equal("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"))

		addr, err := k.Address(chain.FamilyEVM, 0)
		Expect(err).To(BeNil())
		Expect(addr.EVM()).Should(Equal(crypto.PubkeyToAddress(key.PublicKey)))
	})

	It("should derive distinct accounts", func() {
		k, err := keys.FromMnemonic(mnemonic)
		Expect(err).To(BeNil())
		first, err := k.Address(chain.FamilySui, 0)
		Expect(err).To(BeNil())
		second, err := k.Address(chain.FamilySui, 1)
		Expect(err).To(BeNil())
		Expect(first.Family()).Should(Equal(chain.FamilySui))
		Expect(first.Equal(second)).Should(BeFalse())

		suiKey, err := k.Sui(0)
		Expect(err).To(BeNil())
		Expect(suiKey.Scheme()).Should(Equal(suikey.Secp256k1))
		Expect(suiKey.Address().Equal(first)).Should(BeTrue())

		_, err = k.Address(chain.FamilyUnknown, 0)
		Expect(err).Should(HaveOccurred())
	})

	It("should refuse an invalid mnemonic", func() {
		_, err := keys.FromMnemonic("test test test")
		Expect(err).Should(HaveOccurred())
	})

	It("should generate and then reuse the stored mnemonic", func() {
		path := filepath.Join(GinkgoT().TempDir(), "resolver", "MNEMONIC")
		generated, created, err := keys.ReadMnemonic(path)
		Expect(err).To(BeNil())
		Expect(created).Should(BeTrue())
		Expect(strings.Fields(generated)).Should(HaveLen(24))

		info, err := os.Stat(path)
		Expect(err).To(BeNil())
		Expect(info.Mode().Perm()).Should(Equal(os.FileMode(0600)))

		stored, created, err := keys.ReadMnemonic(path)
		Expect(err).To(BeNil())
		Expect(created).Should(BeFalse())
		Expect(stored).Should(Equal(generated))
		_, err = keys.FromMnemonic(stored)
		Expect(err).To(BeNil())
	})
})
