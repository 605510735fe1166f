package pipeline

import "github.com/kalambet/thesisrag/internal/composer"

// User-facing replies. Every per-request failure ends in one of these.
const (
	ApologyMessage       = "متاسفانه مشکلی در پردازش درخواست شما پیش آمد."
	UnavailableMessage   = "سرویس پاسخ‌گویی موقتاً در دسترس نیست. پیکره متن باید دوباره ساخته شود."
	NotFoundMessage      = composer.NotFoundMessage
	NoHistoryMessage     = "هنوز مکالمه‌ای برای خلاصه کردن وجود ندارد."
	SummaryFailedMessage = "متاسفانه در خلاصه کردن مکالمات مشکلی پیش آمد."
)
