package bar

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/openvmsim/pciebridge/tlp"
)

var _ = Describe("Router", func() {
	var (
		mockCtrl *gomock.Controller
		res      *MockResource
		registry *Registry
		router   *Router
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		res = NewMockResource(mockCtrl)
		registry = NewRegistry(nil)
		router = NewRouter(registry)

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

	It("should read whole doublewords from the backing resource", func() {
		req, err := tlp.MemRdBuilder{}.
			WithAddress(0xe000_0010).
			WithByteLen(8).
			Build()
		Expect(err).ToNot(HaveOccurred())

		res.EXPECT().
			Read(uint64(0x10), 8).
			Return([]byte{1, 2, 3, 4, 5, 6, 7, 8}, nil)

		data, err := router.Read(req)

		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(HaveLen(8))
	})

	It("should not route a read outside every region", func() {
		req, err := tlp.MemRdBuilder{}.
			WithAddress(0xd000_0000).
			WithByteLen(4).
			Build()
		Expect(err).ToNot(HaveOccurred())

		_, err = router.Read(req)

		Expect(err).To(MatchError(ErrNotFound))
	})

	It("should not route a read running past the region end", func() {
		req, err := tlp.MemRdBuilder{}.
			WithAddress(0xe000_0ffc).
			WithByteLen(8).
			Build()
		Expect(err).ToNot(HaveOccurred())

		_, err = router.Read(req)

		Expect(err).To(MatchError(ErrNotFound))
	})

	It("should trim disabled edge bytes of a multi-DW write", func() {
		req, err := tlp.MemWrBuilder{}.
			WithAddress(0xe000_0022).
			WithData([]byte{0xaa, 0xbb, 0xcc, 0xdd}).
			Build()
		Expect(err).ToNot(HaveOccurred())

		res.EXPECT().
			Write(uint64(0x22), []byte{0xaa, 0xbb, 0xcc, 0xdd}).
			Return(nil)

		Expect(router.Write(req)).To(Succeed())
	})

	It("should write each enabled run of a sparse single-DW pattern", func() {
		req := &tlp.MemWr{}
		req.Type = tlp.MWr3
		req.Address = 0xe000_0040
		req.Length = 1
		req.FirstBE = 0b0101
		req.Data = []byte{0x11, 0x22, 0x33, 0x44}

		res.EXPECT().Write(uint64(0x40), []byte{0x11}).Return(nil)
		res.EXPECT().Write(uint64(0x42), []byte{0x33}).Return(nil)

		Expect(router.Write(req)).To(Succeed())
	})

	It("should drop a zero-length write without touching the resource", func() {
		req := &tlp.MemWr{}
		req.Type = tlp.MWr3
		req.Address = 0xe000_0040
		req.Length = 1
		req.FirstBE = 0
		req.Data = []byte{0, 0, 0, 0}

		Expect(router.Write(req)).To(Succeed())
	})
})
