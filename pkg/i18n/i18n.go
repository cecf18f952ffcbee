package i18n

import (
	"embed"
	"encoding/json"
	"path"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"TrailWatch/pkg/logger"
)

//go:embed locales/*.json
var localeFS embed.FS

// I18nSupport 国际化支持结构体
type I18nSupport struct {
	bundle *i18n.Bundle
}

// NewI18nSupport loads the embedded message files. defaultLang is used when
// a requested language has no translation.
func NewI18nSupport(defaultLang string) (*I18nSupport, error) {
	tag, err := language.Parse(defaultLang)
	if err != nil {
		return nil, err
	}
	bundle := i18n.NewBundle(tag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		p := path.Join("locales", e.Name())
		buf, err := localeFS.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if _, err := bundle.ParseMessageFileBytes(buf, p); err != nil {
			return nil, err
		}
	}
	return &I18nSupport{bundle: bundle}, nil
}

// Languages lists the languages that have message files.
func (i *I18nSupport) Languages() []string {
	var out []string
	for _, t := range i.bundle.LanguageTags() {
		out = append(out, t.String())
	}
	return out
}

// T 获取翻译文本，找不到时返回键名
func (i *I18nSupport) T(languageTag, key string, templateData map[string]interface{}) string {
	localizer := i18n.NewLocalizer(i.bundle, languageTag)

	translation, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: templateData,
	})
	if err != nil {
		logger.Warn("translate failed", zap.String("key", key), zap.String("lang", languageTag), zap.Error(err))
		return key
	}
	return translation
}
