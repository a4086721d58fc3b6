package mode

// Keywords are the configurable keyword families the detector scores a
// task against. All sets are configuration, not code constants: config
// may replace any of them without code changes.
type Keywords struct {
	// Code cues mark code-generation requests.
	Code []string `toml:"code"`

	// Chat cues mark dialog requests, including learning and
	// realtime-information requests.
	Chat []string `toml:"chat"`

	// Analyze cues mark project-analysis requests.
	Analyze []string `toml:"analyze"`

	// Learning cues always force chat mode.
	Learning []string `toml:"learning"`

	// Greetings feed the fast greeting check.
	Greetings []string `toml:"greetings"`
}

// DefaultKeywords returns the built-in bilingual keyword families.
func DefaultKeywords() Keywords {
	return Keywords{
		Code: []string{
			"напиши", "создай", "сделай", "реализуй", "сгенерируй",
			"write", "create", "make", "implement", "generate",
			"функци", "класс", "модуль", "скрипт",
			"function", "class", "module", "script",
			"исправ", "отлад", "debug", "fix", "оптимизир",
		},
		Chat: []string{
			"объясни", "расскажи", "что такое", "как работает",
			"explain", "tell me", "what is", "how does",
			"почему", "зачем", "когда", "можно ли",
			"why", "when", "can you", "should i",
			"посоветуй", "подскажи", "помоги понять",
			"научи", "обучи", "покажи как", "покажи пример",
			"teach", "learn", "show me", "show example", "tutorial",
			"хочу научиться", "хочу изучить", "как начать", "с чего начать",
			"i want to learn", "how to start", "where to start",
			"новост", "событи", "погод", "курс", "сегодня", "вчера", "завтра",
			"news", "weather", "today", "yesterday", "tomorrow",
			"что происходит", "что случилось", "что нового",
			"what's happening", "latest", "current",
		},
		Analyze: []string{
			"проанализируй", "анализ", "обзор", "структур", "архитектур",
			"analyze", "review", "overview", "structure", "architecture",
			"покажи проект", "изучи проект", "посмотри проект",
		},
		Learning: []string{
			"научи", "научись", "обучи", "хочу научиться", "хочу изучить",
			"teach", "learn", "i want to learn", "how to start",
		},
		Greetings: []string{
			"привет", "здравствуй", "здравствуйте", "хай", "хей", "салют",
			"hello", "hi", "hey", "howdy", "sup",
		},
	}
}
