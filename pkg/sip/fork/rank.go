package fork

// Порядок финальных ответов, если нет 2xx и 6xx. Меньше лучше:
// ответы, на которые UAC может отреагировать, идут первыми.
var precedence = map[int]int{
	412: 1,
	484: 2,
	422: 3, 423: 3,
	401: 4, 407: 4,
	402: 6,
	493: 10,
	420: 12,
	406: 13, 415: 13, 488: 13,
	416: 20, 417: 20,
	405: 21, 501: 21,
	580: 22,
	485: 23,
	428: 24, 429: 24, 494: 24,
	413: 25, 414: 25,
	421: 26,
	486: 30,
	480: 31,
	410: 32,
	436: 33, 437: 33, 513: 33,
	403: 34,
	404: 35,
	487: 36,
	482: 41, 483: 41,
	503: 43,
	408: 49,
}

const (
	redirectPrecedence    = 5
	serverErrorPrecedence = 42
	defaultPrecedence     = 43
	worstPrecedence       = 50
)

// Priority место кода 3xx-5xx в таблице, меньше лучше
func Priority(code int) int {
	if p, ok := precedence[code]; ok {
		return p
	}
	switch code / 100 {
	case 3:
		return redirectPrecedence
	case 5:
		return serverErrorPrecedence
	case 4:
		return defaultPrecedence
	}
	return worstPrecedence
}

const (
	rankNone        = 0
	rankSuccess     = 200
	rankGlobalError = 300
)

// Rank ранг финального ответа, больше лучше: 6xx выше 2xx, 2xx выше
// любого 3xx-5xx (по Priority). Предварительные и некорректные коды дают ноль.
func Rank(code int) int {
	switch {
	case code >= 600 && code < 700:
		return rankGlobalError
	case code >= 200 && code < 300:
		return rankSuccess
	case code >= 300 && code < 600:
		return 100 - Priority(code)
	default:
		return rankNone
	}
}

func isProvisional(code int) bool { return code >= 100 && code < 200 }
func isSuccess(code int) bool     { return code >= 200 && code < 300 }
func isRedirect(code int) bool    { return code >= 300 && code < 400 }
func isGlobalError(code int) bool { return code >= 600 && code < 700 }
func isChallenge(code int) bool   { return code == 401 || code == 407 }
func isValidCode(code int) bool   { return code >= 100 && code < 700 }
