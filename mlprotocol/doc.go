// Package mlprotocol implements the multilock line protocol used to drive
// file-locking targets from a test harness.
//
// # Protocol Overview
//
// Every message is a single line of blank separated fields:
//
//	Request:   <tag> <COMMAND> <payload...>\n
//	Response:  <tag> <COMMAND> <STATUS> <payload...>\n
//
// Anything after a '#' at a token boundary is a comment. In expectations a
// "*" in any numeric or string field means "don't care".
//
// Example session:
//
//	HARNESS: 12 LOCKW 1 write 0 4096
//	HARNESS: 13 LOCK 2 read 0 10
//	TARGET:  13 LOCK GRANTED 2 read 0 10
//	TARGET:  12 LOCKW GRANTED 1 write 0 4096
//
// # Basic Usage
//
// Parse and format records:
//
//	tags := mlprotocol.NewTags(false)
//	p := mlprotocol.NewParser(tags)
//	req, err := p.ParseRequest(`$a LOCK 1 write 0 10`)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(mlprotocol.FormatRequest(req))
//
// Talk to a target:
//
//	conn, err := mlprotocol.Dial(ctx, "unix:/run/locktarget.sock")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//	conn.WriteLine(mlprotocol.FormatRequest(req))
//	line, err := conn.ReadLine(ctx)
//
// Check a reply:
//
//	got, _ := p.ParseResponse(line)
//	if err := mlprotocol.Compare(want, got); err != nil {
//	    fmt.Println(err) // e.g. "Unexpected status DENIED"
//	}
//
// # Thread Safety
//
// Tags, Registry, Client and Pending are safe for concurrent use. A Parser
// and a Record belong to one goroutine at a time.
package mlprotocol
