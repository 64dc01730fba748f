package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/guestboot/internal/hv"
	amd64boot "github.com/tinyrange/guestboot/internal/linux/boot/amd64"
)

const (
	flagDump  = "dump"
	flagInsns = "insns"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "build the boot structures and print them",
	Long:  "plan lays out guest memory from the profile, writes the command line and zero page, initialises vCPU 0 and prints the result",
	Args:  cobra.NoArgs,
	RunE:  plan,
}

func init() {
	f := planCmd.Flags()
	f.String(flagDump, "", "write the encoded zero page to this file")
	f.Int(flagInsns, 8, "instructions to decode at the entry point")
	rootCmd.AddCommand(planCmd)
}

func plan(cmd *cobra.Command, _ []string) error {
	p, err := loadProfile()
	if err != nil {
		return err
	}
	m, err := newMachine(p)
	if err != nil {
		return err
	}
	defer m.Close()

	entry, err := m.boot()
	if err != nil {
		return err
	}
	vcpu := hv.NewRegisterFile(0)
	if err := m.guest.InitGuestThreadState(vcpu, entry); err != nil {
		return err
	}

	params, cmdline, _ := m.guest.BootParams()
	gpa, _ := m.guest.BootParamsGPA()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "zero page  %#x\n", gpa)
	fmt.Fprintf(out, "cmdline    %#x (%d bytes) %q\n", cmdline.GPA, cmdline.Len, p.Cmdline)
	printHeader(out, params)
	printE820(out, params.E820)
	printScreen(out, params.Screen)
	printRegisters(out, vcpu)

	if n, _ := cmd.Flags().GetInt(flagInsns); n > 0 && m.kernel != nil {
		if err := disassemble(out, m, entry, n); err != nil {
			logger.Warn("guestboot: disassemble entry point", "error", err)
		}
	}

	if path, _ := cmd.Flags().GetString(flagDump); path != "" {
		zp, err := params.MarshalBinary()
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, zp, 0o644); err != nil {
			return fmt.Errorf("write zero page dump: %w", err)
		}
		logger.Info("guestboot: zero page dumped", "path", path)
	}
	return nil
}

func printHeader(out io.Writer, params amd64boot.BootParams) {
	h := params.Hdr
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nsetup header")
	fmt.Fprintf(w, "  version\t%#04x\n", h.Version)
	fmt.Fprintf(w, "  type_of_loader\t%#02x\n", h.TypeOfLoader)
	fmt.Fprintf(w, "  code32_start\t%#x\n", h.Code32Start)
	fmt.Fprintf(w, "  kernel_alignment\t%#x\n", h.KernelAlignment)
	fmt.Fprintf(w, "  relocatable\t%v\n", h.RelocatableKernel != 0)
	fmt.Fprintf(w, "  cmd_line_ptr\t%#x\n", h.CmdLinePtr)
	fmt.Fprintf(w, "  cmdline_size\t%d\n", h.CmdlineSize)
	if h.RamdiskImage != 0 {
		fmt.Fprintf(w, "  ramdisk\t%#x+%#x\n", h.RamdiskImage, h.RamdiskSize)
		fmt.Fprintf(w, "  root_dev\t%#04x\n", h.RootDev)
	}
	w.Flush()
}

func printE820(out io.Writer, entries []amd64boot.E820Entry) {
	fmt.Fprintf(out, "\ne820 (%d entries)\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(out, "  %s\n", e)
	}
}

func printScreen(out io.Writer, s amd64boot.ScreenInfo) {
	if !s.Enabled() {
		fmt.Fprintln(out, "\nscreen     text console")
		return
	}
	fmt.Fprintf(out, "\nscreen     %dx%dx%d lfb %#x (%d KiB) stride %d\n",
		s.LfbWidth, s.LfbHeight, s.LfbDepth, s.LfbBase, s.LfbSize*64, s.LfbLineLength)
}

func printRegisters(out io.Writer, vcpu *hv.RegisterFile) {
	w := tabwriter.NewWriter(out, 0, 4, 1, ' ', 0)
	fmt.Fprintf(w, "\nvcpu %d\n", vcpu.ID())
	regs := append([]hv.Register{hv.RegisterAMD64Rip, hv.RegisterAMD64Rflags}, hv.AMD64GeneralPurpose...)
	for i, reg := range regs {
		sep := "\t"
		if i%4 == 3 || i == len(regs)-1 {
			sep = "\n"
		}
		fmt.Fprintf(w, "  %s=%#x%s", reg, vcpu.Value(reg), sep)
	}
	w.Flush()
}

// disassemble decodes n instructions at the entry point. A 64-bit boot
// protocol entry is decoded in long mode, anything else as 32-bit code.
func disassemble(out io.Writer, m *machine, entry uint64, n int) error {
	mode := 32
	if m.kernel.BzImage && m.kernel.XLoadFlags&0x1 != 0 {
		mode = 64
	}

	code := make([]byte, 15*n)
	read, err := m.mem.ReadAt(code, int64(entry))
	if err != nil && read == 0 {
		return fmt.Errorf("read %#x: %w", entry, err)
	}
	code = code[:read]

	fmt.Fprintf(out, "\nentry %#x (%d-bit)\n", entry, mode)
	pc := entry
	for i := 0; i < n && len(code) > 0; i++ {
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			fmt.Fprintf(out, "  %#x: %v\n", pc, err)
			return nil
		}
		fmt.Fprintf(out, "  %#x: %s\n", pc, x86asm.GNUSyntax(inst, pc, nil))
		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}
	return nil
}
