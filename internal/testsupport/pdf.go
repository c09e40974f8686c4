// Package testsupport holds fixtures shared by package tests.
package testsupport

import (
	"bytes"
	"fmt"
	"strings"
)

// BuildPDF returns a minimal, well-formed PDF with the given number of Letter
// pages. Each page shows "Page N" near its top-left corner and a rectangle
// near the bottom. MediaBox is declared on the page tree root so readers
// must resolve it through inheritance.
func BuildPDF(pages int) []byte {
	if pages < 0 {
		pages = 0
	}
	var buf bytes.Buffer
	total := 3 + 2*pages
	offsets := make([]int, total+1)
	writeObj := func(num int, body string) {
		offsets[num] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", num, body)
	}

	buf.WriteString("%PDF-1.4\n")
	kids := make([]string, 0, pages)
	for i := 0; i < pages; i++ {
		kids = append(kids, fmt.Sprintf("%d 0 R", 4+2*i))
	}
	writeObj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	writeObj(2, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d /MediaBox [0 0 612 792] >>", strings.Join(kids, " "), pages))
	writeObj(3, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")
	for i := 0; i < pages; i++ {
		pageObj := 4 + 2*i
		contentObj := pageObj + 1
		stream := fmt.Sprintf("BT /F1 24 Tf 72 720 Td (Page %d) Tj ET\n50 50 200 100 re S\n", i+1)
		writeObj(pageObj, fmt.Sprintf("<< /Type /Page /Parent 2 0 R /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", contentObj))
		writeObj(contentObj, fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", len(stream), stream))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", total+1)
	buf.WriteString("0000000000 65535 f \n")
	for i := 1; i <= total; i++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", total+1, xref)
	return buf.Bytes()
}
