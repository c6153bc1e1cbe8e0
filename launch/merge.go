// Package launch merges an acquired browser binary into launch options
// without disturbing what the caller already configured.
package launch

import (
	"fmt"
	"slices"

	"github.com/playwright-community/playwright-go"
)

const (
	// HeadlessArg is the Chrome switch appended to the launch arguments.
	HeadlessArg = "headless"

	// ChromeOptionsKey holds Chrome launch options in legacy desired capabilities.
	ChromeOptionsKey = "chromeOptions"
	// W3CChromeOptionsKey holds Chrome launch options in W3C capabilities.
	W3CChromeOptionsKey = "goog:chromeOptions"
)

// MergeChromeOptions sets the binary and appends the headless switch to args.
// Existing arguments keep their order and the switch is never duplicated.
// A nil map is allocated.
func MergeChromeOptions(opts map[string]any, binary string) (map[string]any, error) {
	if opts == nil {
		opts = make(map[string]any)
	}

	args, err := appendArg(opts["args"], HeadlessArg)
	if err != nil {
		return nil, err
	}
	opts["args"] = args
	opts["binary"] = binary
	return opts, nil
}

// MergeCapabilities merges into the Chrome options of a capabilities map,
// preferring the W3C key when the caller already uses it.
func MergeCapabilities(caps map[string]any, binary string) (map[string]any, error) {
	if caps == nil {
		caps = make(map[string]any)
	}

	key := ChromeOptionsKey
	if _, ok := caps[W3CChromeOptionsKey]; ok {
		key = W3CChromeOptionsKey
	}

	var opts map[string]any
	switch v := caps[key].(type) {
	case nil:
	case map[string]any:
		opts = v
	default:
		return nil, fmt.Errorf("%s must be a map, got %T", key, caps[key])
	}

	opts, err := MergeChromeOptions(opts, binary)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	caps[key] = opts
	return caps, nil
}

// MergePlaywright points Playwright launch options at binary and turns on
// headless mode. Args are left alone since Playwright passes the switch itself.
// Nil options are allocated.
func MergePlaywright(opts *playwright.BrowserTypeLaunchOptions, binary string) *playwright.BrowserTypeLaunchOptions {
	if opts == nil {
		opts = &playwright.BrowserTypeLaunchOptions{}
	}
	opts.ExecutablePath = playwright.String(binary)
	opts.Headless = playwright.Bool(true)
	return opts
}

func appendArg(v any, arg string) (any, error) {
	switch args := v.(type) {
	case nil:
		return []string{arg}, nil
	case []string:
		for _, a := range args {
			if a == arg {
				return args, nil
			}
		}
		return append(slices.Clip(args), arg), nil
	case []any:
		for _, a := range args {
			if a == arg {
				return args, nil
			}
		}
		return append(slices.Clip(args), arg), nil
	default:
		return nil, fmt.Errorf("args must be a list, got %T", v)
	}
}
