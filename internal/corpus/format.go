package corpus

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

var cellEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`, "\r\n", "<br>", "\n", "<br>")

// Format writes records in the markdown table layout Parse reads. A new
// section heading is emitted whenever the section changes, so record order
// and IDs survive a Format/Parse round trip.
func Format(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	current := ""
	for i, r := range records {
		if i == 0 || r.Section != current {
			if i > 0 {
				bw.WriteString("\n")
			}
			current = r.Section
			fmt.Fprintf(bw, "### %s\n\n", current)
			bw.WriteString("| 질문 | 답변 | 출처 |\n")
			bw.WriteString("|:--|:--|:--|\n")
		}
		fmt.Fprintf(bw, "| %s | %s | %s |\n",
			cellEscaper.Replace(r.Question),
			cellEscaper.Replace(r.Answer),
			cellEscaper.Replace(r.Origin),
		)
	}
	return bw.Flush()
}
