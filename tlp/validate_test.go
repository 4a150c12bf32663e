package tlp

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Validate", func() {
	newRead := func(byteLen int) *MemRd {
		p, err := MemRdBuilder{}.
			WithRequester(DeviceID{Device: 2}).
			WithAddress(0x4000).
			WithByteLen(byteLen).
			Build()
		Expect(err).ToNot(HaveOccurred())
		return p
	}

	It("should accept a well-formed memory read", func() {
		Expect(Validate(newRead(8))).To(Succeed())
	})

	It("should accept a zero-length read", func() {
		p := newRead(4)
		p.FirstBE = 0
		Expect(Validate(p)).To(Succeed())
	})

	It("should reject an unaligned address", func() {
		p := newRead(4)
		p.Address = 0x4001
		Expect(Validate(p)).To(MatchError(ErrValidate))
	})

	It("should reject the 64-bit format below 4 GB", func() {
		p := newRead(4)
		p.Type = MRd4
		Expect(Validate(p)).To(MatchError(ErrValidate))
	})

	It("should reject a multi-DW read without last BE", func() {
		p := newRead(8)
		p.LastBE = 0
		Expect(Validate(p)).To(MatchError(ErrValidate))
	})

	It("should reject a single-DW read with last BE set", func() {
		p := newRead(4)
		p.LastBE = 0xf
		Expect(Validate(p)).To(MatchError(ErrValidate))
	})

	It("should reject discontiguous edge byte enables", func() {
		p := newRead(8)
		p.FirstBE = 0b1010
		Expect(Validate(p)).To(MatchError(ErrValidate))

		p = newRead(8)
		p.LastBE = 0b0101
		Expect(Validate(p)).To(MatchError(ErrValidate))
	})

	It("should reject a write whose payload disagrees with its length", func() {
		p, err := MemWrBuilder{}.
			WithRequester(DeviceID{Device: 2}).
			WithAddress(0x4000).
			WithData([]byte{1, 2, 3, 4}).
			Build()
		Expect(err).ToNot(HaveOccurred())
		p.Data = p.Data[:2]
		Expect(Validate(p)).To(MatchError(ErrValidate))
	})

	It("should reject reserved header bits", func() {
		raw := newRead(4).ToBytes()
		raw[1] |= 1 << 7

		decoded, err := Decode(raw)
		Expect(err).ToNot(HaveOccurred())
		Expect(Validate(decoded)).To(MatchError(ErrValidate))
	})

	Describe("config requests", func() {
		newCfgRd := func() *CfgRd {
			return CfgRdBuilder{}.
				WithRequester(DeviceID{Device: 2}).
				WithTarget(DeviceID{Device: 3}).
				WithRegister(4).
				Build()
		}

		It("should accept a well-formed config read", func() {
			Expect(Validate(newCfgRd())).To(Succeed())
		})

		It("should reject traffic classes other than TC0", func() {
			p := newCfgRd()
			p.TC = TC3
			Expect(Validate(p)).To(MatchError(ErrValidate))
		})

		It("should reject ordering attributes", func() {
			p := newCfgRd()
			p.RO = true
			Expect(Validate(p)).To(MatchError(ErrValidate))
		})

		It("should reject lengths other than one DW", func() {
			p := newCfgRd()
			p.Length = 2
			Expect(Validate(p)).To(MatchError(ErrValidate))
		})
	})

	Describe("completions", func() {
		It("should reject reserved status codes", func() {
			p, err := CplBuilder{}.
				WithCompleter(DeviceID{Device: 3}).
				WithRequester(DeviceID{Device: 2}).
				Build()
			Expect(err).ToNot(HaveOccurred())
			p.Status = CplStatus(0b011)
			Expect(Validate(p)).To(MatchError(ErrValidate))
		})

		It("should reject data on a failed completion", func() {
			p, err := CplBuilder{}.
				WithCompleter(DeviceID{Device: 3}).
				WithRequester(DeviceID{Device: 2}).
				WithData([]byte{1, 2, 3, 4}).
				Build()
			Expect(err).ToNot(HaveOccurred())
			p.Status = CplAbort
			Expect(Validate(p)).To(MatchError(ErrValidate))
		})
	})
})
