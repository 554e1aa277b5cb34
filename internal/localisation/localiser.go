package localisation

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var embeddedLocales embed.FS

// DefaultLocale is used for keys a locale does not translate.
var DefaultLocale = language.BritishEnglish

var (
	errMissingDefaultLocale = errors.New("localisation: default locale catalog missing")
	errEmptyLocale          = errors.New("localisation: catalog declares no locale")
)

type catalogFile struct {
	Locale          string            `yaml:"locale"`
	TimestampLayout string            `yaml:"timestamp_layout"`
	Messages        map[string]string `yaml:"messages"`
}

type locale struct {
	tag             language.Tag
	timestampLayout string
	keys            map[string]struct{}
	printer         *message.Printer
}

// Localiser renders messages with named {placeholders} in the supported locales.
type Localiser struct {
	locales  map[string]*locale
	fallback *locale
	tags     []language.Tag
	matcher  language.Matcher
}

// New loads the embedded catalogs.
func New() (*Localiser, error) {
	return Load(embeddedLocales, "locales")
}

// Load reads every *.yaml catalog in dir.
func Load(fsys fs.FS, dir string) (*Localiser, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	builder := catalog.NewBuilder(catalog.Fallback(DefaultLocale))
	files := make([]catalogFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".yaml" {
			continue
		}
		raw, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var file catalogFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("localisation: parse %s: %w", entry.Name(), err)
		}
		if strings.TrimSpace(file.Locale) == "" {
			return nil, fmt.Errorf("%w: %s", errEmptyLocale, entry.Name())
		}
		files = append(files, file)
	}

	localiser := &Localiser{locales: make(map[string]*locale, len(files))}
	for _, file := range files {
		tag, err := language.Parse(file.Locale)
		if err != nil {
			return nil, fmt.Errorf("localisation: locale %q: %w", file.Locale, err)
		}
		keys := make(map[string]struct{}, len(file.Messages))
		for key, text := range file.Messages {
			// Catalog strings are printf formats.
			if err := builder.SetString(tag, key, strings.ReplaceAll(text, "%", "%%")); err != nil {
				return nil, fmt.Errorf("localisation: %s %s: %w", file.Locale, key, err)
			}
			keys[key] = struct{}{}
		}
		layout := file.TimestampLayout
		if layout == "" {
			layout = time.RFC1123
		}
		localiser.locales[tag.String()] = &locale{tag: tag, timestampLayout: layout, keys: keys}
	}

	fallback, ok := localiser.locales[DefaultLocale.String()]
	if !ok {
		return nil, errMissingDefaultLocale
	}
	localiser.fallback = fallback

	localiser.tags = append(localiser.tags, DefaultLocale)
	others := make([]language.Tag, 0, len(localiser.locales))
	for _, loc := range localiser.locales {
		loc.printer = message.NewPrinter(loc.tag, message.Catalog(builder))
		if loc != fallback {
			others = append(others, loc.tag)
		}
	}
	sort.Slice(others, func(i, j int) bool { return others[i].String() < others[j].String() })
	localiser.tags = append(localiser.tags, others...)
	localiser.matcher = language.NewMatcher(localiser.tags)
	return localiser, nil
}

// Locales lists the supported locales, default first.
func (l *Localiser) Locales() []language.Tag {
	return append([]language.Tag(nil), l.tags...)
}

// MatchAcceptLanguage picks the best supported locale for an Accept-Language header.
func (l *Localiser) MatchAcceptLanguage(header string) language.Tag {
	requested, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(requested) == 0 {
		return DefaultLocale
	}
	_, index, confidence := l.matcher.Match(requested...)
	if confidence == language.No {
		return DefaultLocale
	}
	return l.tags[index]
}

// Message renders key in tag. Keys missing from tag come from the default locale;
// keys missing everywhere render as the key itself. Unknown placeholders are kept.
func (l *Localiser) Message(tag language.Tag, key string, args map[string]string) string {
	loc := l.resolve(tag, key)
	text := key
	if loc != nil {
		text = loc.printer.Sprintf(key)
	}
	return substitute(text, args)
}

// Timestamp formats ts in the locale's layout, in UTC.
func (l *Localiser) Timestamp(tag language.Tag, ts time.Time) string {
	loc, ok := l.locales[tag.String()]
	if !ok {
		loc = l.fallback
	}
	return ts.UTC().Format(loc.timestampLayout)
}

func (l *Localiser) resolve(tag language.Tag, key string) *locale {
	if loc, ok := l.locales[tag.String()]; ok {
		if _, found := loc.keys[key]; found {
			return loc
		}
	}
	if _, found := l.fallback.keys[key]; found {
		return l.fallback
	}
	return nil
}

func substitute(text string, args map[string]string) string {
	if len(args) == 0 {
		return text
	}
	pairs := make([]string, 0, len(args)*2)
	for name, value := range args {
		pairs = append(pairs, "{"+name+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
