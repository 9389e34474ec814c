// Command eh-elf-gen reads the DWARF Call Frame Information of an
// x86-64 ELF binary and emits C source for an eh_elf shared object: a
// compiled stand-in for the CFI bytecode interpreter libgcc/libunwind
// would otherwise run at unwind time (spec.md §6).
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/frdwarf/dwarf-assembly/internal/logflags"
	"github.com/frdwarf/dwarf-assembly/pkg/codegen"
	"github.com/frdwarf/dwarf-assembly/pkg/dwarffilter"
	"github.com/frdwarf/dwarf-assembly/pkg/dwarfmodel"
	"github.com/frdwarf/dwarf-assembly/pkg/dwarfread"
	"github.com/frdwarf/dwarf-assembly/pkg/pclist"
	"github.com/frdwarf/dwarf-assembly/pkg/switchstmt"
)

// options mirrors the original's MainOptions/settings globals
// (original_source/src/main.cpp, src/settings.hpp) as ordinary fields
// instead of process-wide mutable state.
type options struct {
	switchPerFunc  bool
	globalSwitch   bool
	enableDerefArg bool
	keepHoles      bool
	nativeSwitch   bool
	pcListPath     string
	verbose        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "eh-elf-gen [flags] elf_path",
		Short: "Compile an ELF binary's DWARF CFI into an eh_elf shared object's C source",
		Long: "eh-elf-gen [--switch-per-func | --global-switch] [--enable-deref-arg]" +
			" [--keep-holes] [--pc-list PC_LIST_FILE] elf_path",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.switchPerFunc && !opts.globalSwitch {
				return fmt.Errorf("please use either --switch-per-func or --global-switch")
			}
			if opts.switchPerFunc && opts.globalSwitch {
				return fmt.Errorf("--switch-per-func and --global-switch are mutually exclusive")
			}
			logflags.Setup(opts.verbose)
			return run(args[0], opts, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.switchPerFunc, "switch-per-func", false, "emit one function per FDE plus a PC lookup table")
	flags.BoolVar(&opts.globalSwitch, "global-switch", false, "emit a single global unwinding function")
	flags.BoolVar(&opts.enableDerefArg, "enable-deref-arg", false, "emit handlers that take a deref callback instead of dereferencing memory directly")
	flags.BoolVar(&opts.keepHoles, "keep-holes", false, "disable PcHoleFiller: leave gaps between FDEs instead of widening them to the next FDE")
	flags.BoolVar(&opts.nativeSwitch, "native-switch", false, "use the plain switch back end instead of the factored one (undocumented, default off)")
	flags.StringVar(&opts.pcListPath, "pc-list", "", "restrict generation to FDEs covering a PC in this .pc_list file")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

func run(elfPath string, opts options, out io.Writer) error {
	parsed, err := dwarfread.Read(elfPath)
	if err != nil {
		return fmt.Errorf("eh-elf-gen: %w", err)
	}

	filtered := dwarffilter.Pipeline(parsed, dwarffilter.Canonical(opts.keepHoles)...)

	if opts.pcListPath != "" {
		pcs, err := pclist.Read(opts.pcListPath)
		if err != nil {
			return fmt.Errorf("eh-elf-gen: %w", err)
		}
		filtered = restrictToPcList(filtered, pcs)
	}

	var compiler switchstmt.Compiler
	if opts.nativeSwitch {
		compiler = switchstmt.NewNativeSwitchCompiler(1)
	} else {
		compiler = switchstmt.NewFactoredSwitchCompiler(1)
	}

	policy := codegen.SwitchPerFunc
	if opts.globalSwitch {
		policy = codegen.GlobalSwitch
	}

	gen := codegen.New(filtered, codegen.Options{
		Policy:         policy,
		EnableDerefArg: opts.enableDerefArg,
		Compiler:       compiler,
	})
	return gen.Generate(out)
}

// restrictToPcList drops every FDE the --pc-list allow-list doesn't
// touch, the Go analogue of original_source/src/PcListReader.cpp's use
// in main.cpp: generation work (and the resulting .so's size) scales
// with the binary's total code, not with the subset actually exercised
// at runtime, so a profiler-collected PC list lets callers generate only
// what they need.
func restrictToPcList(dw dwarfmodel.SimpleDwarf, pcs []uint64) dwarfmodel.SimpleDwarf {
	out := dwarfmodel.SimpleDwarf{Fdes: make([]dwarfmodel.Fde, 0, len(dw.Fdes))}
	for _, fde := range dw.Fdes {
		if pclist.Covers(pcs, fde.BegIP, fde.EndIP) {
			out.Fdes = append(out.Fdes, fde)
		}
	}
	return out
}
