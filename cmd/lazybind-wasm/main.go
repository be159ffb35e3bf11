// Command lazybind-wasm loads a WebAssembly platform, binds one module, and
// calls its exported functions in order.
//
// Usage:
//
//	lazybind-wasm --dir ./libs --library geometry --call add:1,2 --call ping
//
// The API key defaults to the LAZYBIND_API_KEY environment variable, which may
// be set in a .env file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"

	eventloop "github.com/joeycumines/go-eventloop"
	"github.com/joeycumines/go-lazybind"
	"github.com/joeycumines/go-lazybind/wasmplatform"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
)

const apiKeyEnv = `LAZYBIND_API_KEY`

type options struct {
	configFile string
	dir        string
	baseURL    string
	apiKey     string
	version    string
	library    string
	name       string
	calls      []string
	listen     []string
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "lazybind-wasm",
		Short: "Bind a WebAssembly module, and call its functions",
		Long: `Loads the configured WebAssembly libraries, once, then instantiates one
library as a module, replaying the requested listeners and calls in order.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := logiface.LevelInformational
			if opts.verbose {
				level = logiface.LevelDebug
			}
			logger := stumpy.L.New(
				stumpy.L.WithStumpy(stumpy.WithWriter(cmd.ErrOrStderr())),
				stumpy.L.WithLevel(level),
			).Logger()
			return run(cmd.Context(), opts, cmd.OutOrStdout(), logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, `config`, ``, `YAML config file (apiKey, version, libraries)`)
	flags.StringVar(&opts.dir, `dir`, `.`, `directory containing <version>/<library>.wasm`)
	flags.StringVar(&opts.baseURL, `url`, ``, `base URL to download libraries from, instead of --dir`)
	flags.StringVar(&opts.apiKey, `api-key`, os.Getenv(apiKeyEnv), `API key (default $`+apiKeyEnv+`)`)
	flags.StringVar(&opts.version, `version`, ``, `platform version, overrides the config`)
	flags.StringVar(&opts.library, `library`, ``, `library to instantiate`)
	flags.StringVar(&opts.name, `name`, ``, `instance name (default the library name)`)
	flags.StringArrayVar(&opts.calls, `call`, nil, `function to call, as name or name:arg1,arg2 (repeatable)`)
	flags.StringArrayVar(&opts.listen, `listen`, nil, `event type to print (repeatable)`)
	flags.BoolVarP(&opts.verbose, `verbose`, `v`, false, `enable debug logging`)
	_ = cmd.MarkFlagRequired(`library`)

	return cmd
}

func loadConfig(opts options) (lazybind.Config, error) {
	var cfg lazybind.Config
	if opts.configFile != `` {
		f, err := os.Open(opts.configFile)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		if cfg, err = lazybind.ParseConfig(f); err != nil {
			return cfg, err
		}
	}
	if opts.apiKey != `` {
		cfg.APIKey = opts.apiKey
	}
	if opts.version != `` {
		cfg.Version = opts.version
	}
	if !slices.Contains(cfg.Libraries, opts.library) {
		cfg.Libraries = append(cfg.Libraries, opts.library)
	}
	return cfg, nil
}

type call struct {
	fn     string
	params []uint64
}

// parseCall parses name or name:arg1,arg2, where each argument is an
// unsigned or signed integer.
func parseCall(s string) (call, error) {
	fn, args, _ := strings.Cut(s, `:`)
	if fn == `` {
		return call{}, fmt.Errorf("invalid call %q: missing function name", s)
	}
	c := call{fn: fn}
	if args == `` {
		return c, nil
	}
	for _, arg := range strings.Split(args, `,`) {
		arg = strings.TrimSpace(arg)
		if v, err := strconv.ParseUint(arg, 0, 64); err == nil {
			c.params = append(c.params, v)
			continue
		}
		v, err := strconv.ParseInt(arg, 0, 64)
		if err != nil {
			return call{}, fmt.Errorf("invalid call %q: argument %q: %w", s, arg, err)
		}
		c.params = append(c.params, uint64(v))
	}
	return c, nil
}

func run(ctx context.Context, opts options, out io.Writer, logger *logiface.Logger[logiface.Event]) (err error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	calls := make([]call, 0, len(opts.calls))
	for _, s := range opts.calls {
		c, err := parseCall(s)
		if err != nil {
			return err
		}
		calls = append(calls, c)
	}

	var source wasmplatform.Source = wasmplatform.DirSource{Dir: opts.dir}
	if opts.baseURL != `` {
		source = wasmplatform.HTTPSource{BaseURL: opts.baseURL}
	}

	loop, err := eventloop.New()
	if err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(loopCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	loader, err := lazybind.NewLoader[*wasmplatform.Platform](
		wasmplatform.NewBootstrapper(source, wasmplatform.WithLogger(logger)),
		lazybind.WithLoop(loop),
		lazybind.WithConfig(cfg),
		lazybind.WithLogger(logger),
		lazybind.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer func() {
		if platform, ok := loader.Platform(); ok {
			err = errors.Join(err, platform.Close(context.WithoutCancel(ctx)))
		}
	}()

	name := opts.name
	if name == `` {
		name = opts.library
	}
	module := wasmplatform.NewModule(loader, opts.library, name)
	defer func() {
		err = errors.Join(err, module.Close(context.WithoutCancel(ctx)))
	}()

	for _, eventType := range opts.listen {
		if _, err := module.On(eventType, func(e *lazybind.Event) {
			_, _ = fmt.Fprintf(out, "event %s: value=%v\n", e.Type, e.Data[`value`])
		}); err != nil {
			return err
		}
	}

	// fails fast, as queued calls outlive a failed bootstrap
	if _, err := loader.Wait(ctx); err != nil {
		return err
	}

	if len(calls) == 0 {
		if err := module.Invoke(func(*wasmplatform.Instance) {}); err != nil {
			return err
		}
		inst, err := module.WaitNative(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "bound %s (%s)\n", inst.Name(), inst.Library())
		return nil
	}

	for _, c := range calls {
		results, err := module.Call(ctx, c.fn, c.params...)
		if err != nil {
			return fmt.Errorf("call %s: %w", c.fn, err)
		}
		_, _ = fmt.Fprintf(out, "%s: %v\n", c.fn, results)
	}

	return nil
}
