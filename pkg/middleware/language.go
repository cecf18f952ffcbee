package middleware

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/text/language"
)

// ContextLangKey holds the negotiated language tag.
const ContextLangKey = "lang"

// LanguageMiddleware negotiates the request language from ?lang= or
// Accept-Language against the supported tags. The first supported tag is
// the fallback.
func LanguageMiddleware(supported ...string) gin.HandlerFunc {
	tags := make([]language.Tag, 0, len(supported))
	for _, s := range supported {
		tags = append(tags, language.Make(s))
	}
	if len(tags) == 0 {
		tags = append(tags, language.English)
	}
	matcher := language.NewMatcher(tags)
	return func(c *gin.Context) {
		// 获取请求中的语言（从查询参数或者头部）
		_, idx := language.MatchStrings(matcher, c.Query("lang"), c.GetHeader("Accept-Language"))
		base, _ := tags[idx].Base()
		c.Set(ContextLangKey, base.String())
		c.Next()
	}
}
