package decode

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const olmMessage = `<?xml version="1.0" encoding="UTF-8"?>
<emails>
  <email>
    <OPFMessageCopySubject>Budget &amp; planning</OPFMessageCopySubject>
    <OPFMessageCopySenderAddress>
      <emailAddress OPFContactEmailAddressAddress="erin@example.com" OPFContactEmailAddressName="Erin Example"/>
    </OPFMessageCopySenderAddress>
    <OPFMessageCopyToAddresses>
      <emailAddress OPFContactEmailAddressAddress="frank@example.com"/>
    </OPFMessageCopyToAddresses>
    <OPFMessageCopyCCAddresses>
      <emailAddress OPFContactEmailAddressAddress="grace@example.com" OPFContactEmailAddressName="Grace"/>
    </OPFMessageCopyCCAddresses>
    <OPFMessageCopyModDate>2015-03-05T08:00:00Z</OPFMessageCopyModDate>
    <OPFMessageCopySentTime>2015-03-02T10:30:00Z</OPFMessageCopySentTime>
    <OPFMessageCopyBody>Numbers attached.</OPFMessageCopyBody>
    <OPFMessageCopyAttachmentList>
      <messageAttachment OPFAttachmentName="budget.xlsx" OPFAttachmentContentFileSize="2048"/>
    </OPFMessageCopyAttachmentList>
  </email>
</emails>
`

func TestXMLDecodeOutlookLayout(t *testing.T) {
	rec, err := xmlDecoder{}.Decode("Accounts/main/message_00001.xml", []byte(olmMessage))
	require.NoError(t, err)

	assert.Equal(t, "Budget & planning", rec.Subject)
	assert.Equal(t, []string{"Erin Example <erin@example.com>"}, rec.From)
	assert.Equal(t, []string{"frank@example.com"}, rec.To)
	assert.Equal(t, []string{"Grace <grace@example.com>"}, rec.Cc)
	assert.Equal(t, "Numbers attached.", rec.BodyPlain)

	// The sent timestamp wins over the modification date.
	require.NotNil(t, rec.Date)
	assert.True(t, rec.Date.Equal(time.Date(2015, 3, 2, 10, 30, 0, 0, time.UTC)))

	require.Len(t, rec.Attachments, 1)
	assert.Equal(t, "budget.xlsx", rec.Attachments[0].Filename)
	assert.Equal(t, int64(2048), rec.Attachments[0].SizeBytes)
}

func TestXMLDecodeSimpleDialect(t *testing.T) {
	doc := `<email>
  <subject>Plain dialect</subject>
  <from>henry@example.com</from>
  <to>iris@example.com; jack@example.com</to>
  <date>Mon, 02 Mar 2015 10:30:00 +0000</date>
  <body>Short body.</body>
</email>`

	rec, err := xmlDecoder{}.Decode("message_1.xml", []byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "Plain dialect", rec.Subject)
	assert.Equal(t, []string{"henry@example.com"}, rec.From)
	assert.Equal(t, []string{"iris@example.com", "jack@example.com"}, rec.To)
	assert.Equal(t, "Short body.", rec.BodyPlain)
	require.NotNil(t, rec.Date)
}

func TestXMLDecodeMissingDate(t *testing.T) {
	doc := `<email>
  <subject>No timestamp</subject>
  <from>kate@example.com</from>
  <body>Still a valid record.</body>
</email>`

	rec, err := xmlDecoder{}.Decode("message_2.xml", []byte(doc))
	require.NoError(t, err)

	assert.Nil(t, rec.Date)
	assert.Contains(t, rec.Warnings, "date missing")
	assert.Equal(t, "No timestamp", rec.Subject)
}

func TestXMLDecodeBase64Body(t *testing.T) {
	body := "Hello from an encoded body, long enough to trigger decoding."
	encoded := base64.StdEncoding.EncodeToString([]byte(body))
	doc := `<email><subject>Encoded</subject><body>` + encoded + `</body></email>`

	rec, err := xmlDecoder{}.Decode("message_3.xml", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, body, rec.BodyPlain)
}

func TestXMLDecodeHTMLBody(t *testing.T) {
	doc := `<email>
  <subject>Rich</subject>
  <OPFMessageCopyBody>plain text version</OPFMessageCopyBody>
  <OPFMessageCopyHTMLBody>&lt;p&gt;rich version&lt;/p&gt;</OPFMessageCopyHTMLBody>
</email>`

	rec, err := xmlDecoder{}.Decode("message_4.xml", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "plain text version", rec.BodyPlain)
	assert.Equal(t, "<p>rich version</p>", rec.BodyHTML)
}

func TestXMLDecodeTruncatedKeepsFields(t *testing.T) {
	doc := `<email><subject>Cut off</subject><from>liam@example.com</from><body>Recovered`

	rec, err := xmlDecoder{}.Decode("message_5.xml", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "Cut off", rec.Subject)
	assert.Equal(t, []string{"liam@example.com"}, rec.From)
}

func TestXMLDecodeRejectsNonXML(t *testing.T) {
	_, err := xmlDecoder{}.Decode("notes.txt", []byte("not markup at all"))
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestXMLDecodeRejectsFieldlessDocument(t *testing.T) {
	doc := `<?xml version="1.0"?><categories><category name="Family" color="#FF0000"/></categories>`

	_, err := xmlDecoder{}.Decode("Categories.xml", []byte(doc))
	assert.ErrorIs(t, err, ErrUnreadable)
}
