package normalize

// actionLabels maps (event type, accept type) to the localized label shown
// in the analytics dashboard. "default" covers accept types without a
// dedicated entry for that event type.
var actionLabels = map[string]map[string]string{
	"first_consent": {
		"all":       "ได้รับการยืนยัน (ทั้งหมด)",
		"necessary": "ปฏิเสธทั้งหมด",
		"custom":    "เลือกบางส่วน",
		"default":   "ยืนยันครั้งแรก",
	},
	"consent": {
		"all":       "ได้รับการยืนยัน",
		"necessary": "ปฏิเสธ",
		"custom":    "เลือกบางส่วน",
		"default":   "ยืนยัน",
	},
	"change": {
		"all":       "เปลี่ยนเป็นยอมรับทั้งหมด",
		"necessary": "เปลี่ยนเป็นปฏิเสธ",
		"custom":    "เปลี่ยนการตั้งค่า",
		"default":   "เปลี่ยนแปลง",
	},
}

// ActionLabel resolves the localized action label. Unknown event types pass
// through unchanged so new widget events surface raw rather than blank.
func ActionLabel(eventType, acceptType string) string {
	byAccept, ok := actionLabels[eventType]
	if !ok {
		return eventType
	}
	if label, ok := byAccept[acceptType]; ok {
		return label
	}
	return byAccept["default"]
}
