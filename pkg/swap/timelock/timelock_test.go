package timelock_test

import (
	"errors"
	"testing/quick"
	"time"

	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/catalogfi/resolver/pkg/swap/timelock"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Time-locks", func() {
	deployedAt := time.Unix(1_700_000_000, 0)
	tl := timelock.Default()

	Context("validation", func() {
		It("should accept the default schedule", func() {
			Expect(tl.Validate()).Should(Succeed())
		})

		It("should reject non increasing deltas", func() {
			bad := tl
			bad.SrcPublicWithdrawal = bad.SrcWithdrawal
			Expect(errors.Is(bad.Validate(), swap.ErrValidation)).Should(BeTrue())

			bad = tl
			bad.DstCancellation = bad.DstPublicWithdrawal
			Expect(errors.Is(bad.Validate(), swap.ErrValidation)).Should(BeTrue())
		})

		It("should reject a destination cancellation after the source cancellation", func() {
			bad := tl
			bad.DstCancellation = bad.SrcCancellation
			Expect(errors.Is(bad.Validate(), swap.ErrValidation)).Should(BeTrue())
		})
	})

	Context("windows", func() {
		It("should start each stage inclusively", func() {
			at := func(secs int) time.Time { return deployedAt.Add(time.Duration(secs) * time.Second) }
			Expect(tl.Window(timelock.Src, deployedAt, at(9))).Should(Equal(timelock.TooEarly))
			Expect(tl.Window(timelock.Src, deployedAt, at(10))).Should(Equal(timelock.PrivateWithdrawal))
			Expect(tl.Window(timelock.Src, deployedAt, at(120))).Should(Equal(timelock.PublicWithdrawal))
			Expect(tl.Window(timelock.Src, deployedAt, at(121))).Should(Equal(timelock.Cancellable))
			Expect(tl.Window(timelock.Src, deployedAt, at(122))).Should(Equal(timelock.PublicCancellable))

			Expect(tl.Window(timelock.Dst, deployedAt, at(-5))).Should(Equal(timelock.TooEarly))
			Expect(tl.Window(timelock.Dst, deployedAt, at(10))).Should(Equal(timelock.PrivateWithdrawal))
			Expect(tl.Window(timelock.Dst, deployedAt, at(100))).Should(Equal(timelock.PublicWithdrawal))
			Expect(tl.Window(timelock.Dst, deployedAt, at(101))).Should(Equal(timelock.Cancellable))
			Expect(tl.Window(timelock.Dst, deployedAt, at(1_000_000))).Should(Equal(timelock.Cancellable))
		})

		It("should never regress as time moves forward", func() {
			test := func(a, b uint32, dst bool) bool {
				side := timelock.Src
				if dst {
					side = timelock.Dst
				}
				t1 := deployedAt.Add(time.Duration(a%300) * time.Second)
				t2 := t1.Add(time.Duration(b%300) * time.Second)
				return tl.Window(side, deployedAt, t1) <= tl.Window(side, deployedAt, t2)
			}
			Expect(quick.Check(test, nil)).Should(Succeed())
		})

		It("should permit actions by role", func() {
			Expect(timelock.PrivateWithdrawal.CanWithdraw(timelock.Resolver)).Should(BeTrue())
			Expect(timelock.PrivateWithdrawal.CanWithdraw(timelock.Public)).Should(BeFalse())
			Expect(timelock.PublicWithdrawal.CanWithdraw(timelock.Public)).Should(BeTrue())
			Expect(timelock.Cancellable.CanWithdraw(timelock.Resolver)).Should(BeFalse())
			Expect(timelock.TooEarly.CanCancel(timelock.Resolver)).Should(BeFalse())
			Expect(timelock.Cancellable.CanCancel(timelock.Resolver)).Should(BeTrue())
			Expect(timelock.Cancellable.CanCancel(timelock.Public)).Should(BeFalse())
			Expect(timelock.PublicCancellable.CanCancel(timelock.Public)).Should(BeTrue())
		})
	})

	Context("destination deployment", func() {
		It("should only allow destinations cancelled before the source", func() {
			Expect(tl.CheckDstDeployment(deployedAt, deployedAt)).Should(Succeed())
			latest := tl.LatestDstDeployment(deployedAt)
			Expect(tl.CheckDstDeployment(deployedAt, latest)).Should(Succeed())
			err := tl.CheckDstDeployment(deployedAt, latest.Add(time.Second))
			Expect(errors.Is(err, swap.ErrTimeWindow)).Should(BeTrue())
		})
	})

	Context("packing", func() {
		It("should round trip the deltas and the deployment time", func() {
			packed := tl.Pack(deployedAt)
			unpacked, at := timelock.Unpack(packed)
			Expect(unpacked).Should(Equal(tl))
			Expect(at.Unix()).Should(Equal(deployedAt.Unix()))

			word := tl.PackBig(time.Time{})
			unpacked, at, err := timelock.UnpackBig(word)
			Expect(err).To(BeNil())
			Expect(unpacked).Should(Equal(tl))
			Expect(at.IsZero()).Should(BeTrue())
		})

		It("should put the first stage in the lowest bits", func() {
			packed := timelock.TimeLocks{SrcWithdrawal: 7}.Pack(time.Time{})
			Expect(packed.Uint64()).Should(Equal(uint64(7)))
		})
	})
})
