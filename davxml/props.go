// Package davxml renders the sharing-related WebDAV properties (invite,
// share-access, acl) that DAV clients read off a collection.
package davxml

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/davshare/davshare/storage"
)

const (
	nsDAV    = "DAV:"
	nsCalDAV = "urn:ietf:params:xml:ns:caldav"
	nsCS     = "http://calendarserver.org/ns/"
)

func davElement(name string) *etree.Element {
	elem := etree.NewElement("d:" + name)
	return elem
}

func csElement(name string) *etree.Element {
	elem := etree.NewElement("cs:" + name)
	return elem
}

// InviteProp encodes the collection's delegation grants as a
// calendarserver invite property.
func InviteProp(col *storage.Collection) *etree.Element {
	invite := csElement("invite")
	for _, inv := range col.Invites {
		user := csElement("user")

		href := davElement("href")
		href.SetText("/principals/users/" + inv.Principal)
		user.AddChild(href)

		access := csElement("access")
		access.AddChild(accessElement(inv.Access))
		user.AddChild(access)

		switch inv.Status {
		case storage.InviteAccepted:
			user.AddChild(csElement("invite-accepted"))
		default:
			user.AddChild(csElement("invite-noresponse"))
		}
		if inv.Comment != "" {
			comment := csElement("summary")
			comment.SetText(inv.Comment)
			user.AddChild(comment)
		}
		invite.AddChild(user)
	}
	return invite
}

func accessElement(access storage.AccessLevel) *etree.Element {
	switch access {
	case storage.AccessReadWrite:
		return csElement("read-write")
	case storage.AccessAdmin:
		return csElement("admin")
	default:
		return csElement("read")
	}
}

// ShareAccessProp encodes the share-access grade of a listing entry.
func ShareAccessProp(access storage.AccessLevel) *etree.Element {
	prop := davElement("share-access")
	switch access {
	case storage.AccessReadWrite:
		prop.AddChild(davElement("read-write"))
	case storage.AccessAdmin:
		prop.AddChild(davElement("admin"))
	default:
		prop.AddChild(davElement("read"))
	}
	return prop
}

// ACLProp encodes the collection's access-control list.
func ACLProp(col *storage.Collection) *etree.Element {
	aclElem := davElement("acl")
	for _, ace := range col.ACL {
		aceElem := davElement("ace")

		principal := davElement("principal")
		href := davElement("href")
		if ace.Principal == "{DAV:}authenticated" {
			principal.AddChild(davElement("authenticated"))
		} else {
			href.SetText("/principals/users/" + ace.Principal)
			principal.AddChild(href)
		}
		aceElem.AddChild(principal)

		grant := davElement("grant")
		privilege := davElement("privilege")
		privilege.AddChild(privilegeElement(ace.Privilege))
		grant.AddChild(privilege)
		aceElem.AddChild(grant)

		if ace.Protected {
			aceElem.AddChild(davElement("protected"))
		}
		aclElem.AddChild(aceElem)
	}
	return aclElem
}

// privilegeElement maps a clark-notation privilege onto its element.
func privilegeElement(priv storage.Privilege) *etree.Element {
	raw := string(priv)
	if !strings.HasPrefix(raw, "{") {
		return davElement(raw)
	}
	end := strings.IndexByte(raw, '}')
	ns, local := raw[1:end], raw[end+1:]
	switch ns {
	case nsCalDAV:
		return etree.NewElement("cal:" + local)
	default:
		return davElement(local)
	}
}

// SharingProps bundles the three sharing properties of a collection into
// one propstat-like document.
func SharingProps(col *storage.Collection) (string, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("d:prop")
	root.CreateAttr("xmlns:d", nsDAV)
	root.CreateAttr("xmlns:cal", nsCalDAV)
	root.CreateAttr("xmlns:cs", nsCS)

	root.AddChild(InviteProp(col))
	root.AddChild(ACLProp(col))
	if col.IsSubscription() {
		src := davElement("source")
		href := davElement("href")
		href.SetText(fmt.Sprintf("/calendars/%s/%s", col.Source.OwnerID, col.Source.CollectionID))
		src.AddChild(href)
		root.AddChild(src)
	}

	doc.Indent(2)
	return doc.WriteToString()
}
