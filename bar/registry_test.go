package bar

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Registry", func() {
	var (
		mockCtrl *gomock.Controller
		res      *MockResource
		draining bool
		registry *Registry
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		res = NewMockResource(mockCtrl)
		draining = false
		registry = NewRegistry(func(Descriptor) bool {
			return draining
		})

		err := registry.Register(Descriptor{
			Index:    0,
			Base:     0xe000_0000,
			Size:     0x1000,
			Kind:     Mem32,
			Enabled:  true,
			Resource: res,
		})
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should decode addresses inside a registered region", func() {
		d, err := registry.Lookup(0xe000_0fff)

		Expect(err).ToNot(HaveOccurred())
		Expect(d.Index).To(Equal(0))
	})

	It("should not decode addresses outside every region", func() {
		_, err := registry.Lookup(0xe000_1000)

		Expect(err).To(MatchError(ErrNotFound))
	})

	It("should not decode a disabled region", func() {
		Expect(registry.SetEnabled(0, false)).To(Succeed())

		_, err := registry.Lookup(0xe000_0000)

		Expect(err).To(MatchError(ErrNotFound))
	})

	It("should refuse a second descriptor with the same index", func() {
		err := registry.Register(Descriptor{
			Index: 0,
			Base:  0xf000_0000,
			Size:  0x1000,
			Kind:  Mem32,
		})

		Expect(err).To(HaveOccurred())
	})

	It("should refuse an enabled region overlapping another", func() {
		err := registry.Register(Descriptor{
			Index:    1,
			Base:     0xe000_0800,
			Size:     0x1000,
			Kind:     Mem32,
			Enabled:  true,
			Resource: res,
		})

		Expect(err).To(MatchError(ErrConflict))
	})

	It("should move a region when reprogrammed", func() {
		Expect(registry.Reprogram(0, 0xf000_0000)).To(Succeed())

		d, err := registry.Lookup(0xf000_0004)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.Index).To(Equal(0))

		_, err = registry.Lookup(0xe000_0004)
		Expect(err).To(MatchError(ErrNotFound))
	})

	It("should refuse a reprogram onto another enabled region", func() {
		err := registry.Register(Descriptor{
			Index:    1,
			Base:     0xf000_0000,
			Size:     0x1000,
			Kind:     Mem32,
			Enabled:  true,
			Resource: res,
		})
		Expect(err).ToNot(HaveOccurred())

		err = registry.Reprogram(1, 0xe000_0ff0)

		Expect(err).To(MatchError(ErrConflict))

		d, lookupErr := registry.Lookup(0xf000_0000)
		Expect(lookupErr).ToNot(HaveOccurred())
		Expect(d.Index).To(Equal(1))
	})

	It("should refuse a reprogram while transactions are in flight", func() {
		draining = true

		err := registry.Reprogram(0, 0xf000_0000)

		Expect(err).To(MatchError(ErrConflict))

		d, lookupErr := registry.Lookup(0xe000_0000)
		Expect(lookupErr).ToNot(HaveOccurred())
		Expect(d.Base).To(Equal(uint64(0xe000_0000)))
	})

	It("should keep old snapshots intact across a reprogram", func() {
		before := registry.Snapshot()

		Expect(registry.Reprogram(0, 0xf000_0000)).To(Succeed())

		Expect(before[0].Base).To(Equal(uint64(0xe000_0000)))
	})

	It("should remove a deregistered region", func() {
		d, err := registry.Deregister(0)

		Expect(err).ToNot(HaveOccurred())
		Expect(d.Base).To(Equal(uint64(0xe000_0000)))

		_, err = registry.Lookup(0xe000_0000)
		Expect(err).To(MatchError(ErrNotFound))
	})
})
