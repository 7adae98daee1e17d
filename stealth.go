package grocerycrawler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

type WindowSize struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// StealthProfile is the curated pool fingerprints are drawn from.
type StealthProfile struct {
	UserAgents  []string     `yaml:"user_agents"`
	WindowSizes []WindowSize `yaml:"window_sizes"`
	Languages   []string     `yaml:"languages"`
	PluginCount int          `yaml:"plugin_count"`
}

// Fingerprint is the identity one browser session presents for its lifetime.
type Fingerprint struct {
	UserAgent string
	Window    WindowSize
	Languages []string
	Scripts   []string
	Stealth   bool
}

type launchFlag struct {
	name  string
	value string
}

// stealthFlags hide the automation banner and the blink automation feature.
var stealthFlags = []launchFlag{
	{"disable-blink-features", "AutomationControlled"},
	{"disable-infobars", ""},
	{"no-first-run", ""},
	{"disable-dev-shm-usage", ""},
}

func newFingerprint(profile StealthProfile, cfg BrowserConfig, rng *rand.Rand) Fingerprint {
	fp := Fingerprint{
		UserAgent: cfg.UserAgent,
		Window:    WindowSize{Width: cfg.WindowWidth, Height: cfg.WindowHeight},
		Languages: profile.Languages,
		Stealth:   cfg.Stealth,
	}
	if fp.UserAgent == "" && len(profile.UserAgents) > 0 {
		fp.UserAgent = profile.UserAgents[rng.Intn(len(profile.UserAgents))]
	}
	if fp.Window.Width <= 0 || fp.Window.Height <= 0 {
		if len(profile.WindowSizes) > 0 && cfg.Stealth {
			fp.Window = profile.WindowSizes[rng.Intn(len(profile.WindowSizes))]
		} else {
			fp.Window = WindowSize{Width: 1920, Height: 1080}
		}
	}
	if len(fp.Languages) == 0 {
		fp.Languages = []string{"en-GB", "en"}
	}
	if cfg.Stealth {
		fp.Scripts = append(fp.Scripts, maskingScript(fp.Languages, profile.PluginCount))
	}
	return fp
}

// LaunchArgs renders the stealth flags as command-line switches.
func (fp Fingerprint) LaunchArgs() []string {
	if !fp.Stealth {
		return nil
	}
	args := make([]string, 0, len(stealthFlags))
	for _, f := range stealthFlags {
		if f.value == "" {
			args = append(args, "--"+f.name)
			continue
		}
		args = append(args, fmt.Sprintf("--%s=%s", f.name, f.value))
	}
	return args
}

// AcceptLanguage builds a weighted Accept-Language header from the language list.
func (fp Fingerprint) AcceptLanguage() string {
	parts := make([]string, 0, len(fp.Languages))
	for i, lang := range fp.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// maskingScript runs before any page script and normalizes the navigator
// properties automation frameworks are fingerprinted by.
func maskingScript(languages []string, plugins int) string {
	langs, _ := json.Marshal(languages)
	if plugins <= 0 {
		plugins = 3
	}
	return fmt.Sprintf(`(() => {
  Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
  window.chrome = window.chrome || { runtime: {} };
  Object.defineProperty(navigator, 'languages', { get: () => %s });
  Object.defineProperty(navigator, 'plugins', {
    get: () => Array.from({ length: %d }, (_, i) => ({ name: 'Plugin ' + i, filename: 'plugin' + i + '.so' })),
  });
  const query = window.navigator.permissions && window.navigator.permissions.query;
  if (query) {
    window.navigator.permissions.query = (p) =>
      p && p.name === 'notifications'
        ? Promise.resolve({ state: Notification.permission })
        : query.call(window.navigator.permissions, p);
  }
})();`, langs, plugins)
}

// humanGesture settles for a random moment, then scrolls down a little and back.
// A failed scroll is logged and skipped; only the context ends the gesture.
func humanGesture(ctx context.Context, driver PageDriver, rng *rand.Rand, sleep sleeper, logger Logger, settleMin, settleMax time.Duration) error {
	if err := sleep(ctx, randomBetween(rng, settleMin, settleMax)); err != nil {
		return err
	}
	dy := 200 + rng.Intn(401)
	if err := driver.Scroll(ctx, dy); err != nil {
		logger.Debug("gesture scroll by %d failed: %v", dy, err)
		return nil
	}
	if err := sleep(ctx, randomBetween(rng, settleMin/4, settleMax/4)); err != nil {
		return err
	}
	if err := driver.Scroll(ctx, -dy); err != nil {
		logger.Debug("gesture scroll back by %d failed: %v", dy, err)
	}
	return nil
}
