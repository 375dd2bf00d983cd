package headless

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// dom exposes a small subset of the DOM over the parsed document: lookup,
// text and attribute access, element creation and click listeners.
type dom struct {
	page *Page
	doc  *goquery.Document

	// wrappers keeps one JS object per node so identity comparisons and
	// expando properties behave.
	wrappers  map[*html.Node]*goja.Object
	listeners map[*html.Node]map[string][]goja.Callable
}

func newDOM(p *Page, doc *goquery.Document) *dom {
	return &dom{
		page:      p,
		doc:       doc,
		wrappers:  make(map[*html.Node]*goja.Object),
		listeners: make(map[*html.Node]map[string][]goja.Callable),
	}
}

func (d *dom) install(vm *goja.Runtime) {
	document := vm.NewObject()
	document.Set("getElementById", func(id string) goja.Value {
		sel := d.doc.Find("[id]").FilterFunction(func(_ int, s *goquery.Selection) bool {
			v, _ := s.Attr("id")
			return v == id
		})
		return d.wrapFirst(sel)
	})
	document.Set("querySelector", func(selector string) goja.Value {
		return d.wrapFirst(d.doc.Find(selector))
	})
	document.Set("querySelectorAll", func(selector string) goja.Value {
		return d.wrapAll(d.doc.Find(selector))
	})
	document.Set("getElementsByTagName", func(tag string) goja.Value {
		return d.wrapAll(d.doc.Find(strings.ToLower(tag)))
	})
	document.Set("createElement", func(tag string) goja.Value {
		tag = strings.ToLower(tag)
		n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
		return d.wrap(n)
	})
	document.Set("createTextNode", func(text string) goja.Value {
		return d.wrap(&html.Node{Type: html.TextNode, Data: text})
	})
	d.accessor(document, "body", func() goja.Value { return d.wrapFirst(d.doc.Find("body")) }, nil)
	d.accessor(document, "head", func() goja.Value { return d.wrapFirst(d.doc.Find("head")) }, nil)
	d.accessor(document, "title", func() goja.Value {
		return vm.ToValue(strings.TrimSpace(d.doc.Find("title").First().Text()))
	}, nil)
	document.Set("readyState", "complete")
	document.Set("addEventListener", d.page.addWindowListener)
	document.Set("removeEventListener", d.page.removeWindowListener)

	vm.Set("document", document)
}

func (d *dom) wrapFirst(sel *goquery.Selection) goja.Value {
	if sel.Length() == 0 {
		return goja.Null()
	}
	return d.wrap(sel.Get(0))
}

func (d *dom) wrapAll(sel *goquery.Selection) goja.Value {
	vals := make([]any, 0, sel.Length())
	for _, n := range sel.Nodes {
		vals = append(vals, d.wrap(n))
	}
	return d.page.vm.NewArray(vals...)
}

func (d *dom) wrap(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	if obj, ok := d.wrappers[n]; ok {
		return obj
	}

	vm := d.page.vm
	obj := vm.NewObject()
	d.wrappers[n] = obj
	sel := goquery.NewDocumentFromNode(n).Selection

	obj.Set("nodeType", nodeType(n))
	if n.Type == html.ElementNode {
		obj.Set("tagName", strings.ToUpper(n.Data))
	}

	d.accessor(obj, "textContent", func() goja.Value {
		return vm.ToValue(sel.Text())
	}, func(v goja.Value) {
		removeChildren(n)
		n.AppendChild(&html.Node{Type: html.TextNode, Data: v.String()})
	})
	d.accessor(obj, "innerHTML", func() goja.Value {
		s, _ := sel.Html()
		return vm.ToValue(s)
	}, func(v goja.Value) {
		nodes, err := html.ParseFragment(strings.NewReader(v.String()), n)
		if err != nil {
			panic(vm.NewTypeError("innerHTML: %v", err))
		}
		removeChildren(n)
		for _, c := range nodes {
			n.AppendChild(c)
		}
	})
	d.accessor(obj, "id", func() goja.Value {
		v, _ := sel.Attr("id")
		return vm.ToValue(v)
	}, func(v goja.Value) {
		sel.SetAttr("id", v.String())
	})
	d.accessor(obj, "className", func() goja.Value {
		v, _ := sel.Attr("class")
		return vm.ToValue(v)
	}, func(v goja.Value) {
		sel.SetAttr("class", v.String())
	})
	d.accessor(obj, "parentNode", func() goja.Value {
		if n.Parent == nil || n.Parent.Type == html.DocumentNode {
			return goja.Null()
		}
		return d.wrap(n.Parent)
	}, nil)

	obj.Set("getAttribute", func(name string) goja.Value {
		v, ok := sel.Attr(name)
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(v)
	})
	obj.Set("setAttribute", func(name, value string) {
		sel.SetAttr(name, value)
	})
	obj.Set("removeAttribute", func(name string) {
		sel.RemoveAttr(name)
	})
	obj.Set("appendChild", func(child goja.Value) goja.Value {
		c := d.unwrap(child)
		if c == nil {
			panic(vm.NewTypeError("appendChild: argument is not a node"))
		}
		if c.Parent != nil {
			c.Parent.RemoveChild(c)
		}
		n.AppendChild(c)
		return child
	})
	obj.Set("addEventListener", func(typ string, fn goja.Value) {
		cb, ok := goja.AssertFunction(fn)
		if !ok {
			return
		}
		if d.listeners[n] == nil {
			d.listeners[n] = make(map[string][]goja.Callable)
		}
		d.listeners[n][typ] = append(d.listeners[n][typ], cb)
	})
	obj.Set("click", func() {
		d.click(n)
	})
	return obj
}

func (d *dom) unwrap(v goja.Value) *html.Node {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	for n, w := range d.wrappers {
		if w == obj {
			return n
		}
	}
	return nil
}

// click dispatches a click: registered listeners first, then the inline
// onclick attribute, both with the element as this.
func (d *dom) click(n *html.Node) {
	p := d.page
	target := d.wrap(n)
	event := p.vm.NewObject()
	event.Set("type", "click")
	event.Set("target", target)
	event.Set("preventDefault", func() {})
	event.Set("stopPropagation", func() {})

	for _, cb := range d.listeners[n]["click"] {
		p.invoke("click listener", func() (goja.Value, error) { return cb(target, event) })
	}

	for _, a := range n.Attr {
		if a.Key != "onclick" || a.Val == "" {
			continue
		}
		handler, err := p.vm.RunScript("onclick", "(function(event) {\n"+a.Val+"\n})")
		if err != nil {
			p.report(err)
			return
		}
		fn, ok := goja.AssertFunction(handler)
		if !ok {
			return
		}
		p.invoke("onclick", func() (goja.Value, error) { return fn(target, event) })
	}
}

func (d *dom) accessor(obj *goja.Object, name string, get func() goja.Value, set func(goja.Value)) {
	vm := d.page.vm
	getter := vm.ToValue(func(goja.FunctionCall) goja.Value { return get() })
	setter := goja.Undefined()
	if set != nil {
		setter = vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(call.Argument(0))
			return goja.Undefined()
		})
	}
	if err := obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		panic(err)
	}
}

func removeChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

func nodeType(n *html.Node) int {
	switch n.Type {
	case html.ElementNode:
		return 1
	case html.TextNode:
		return 3
	case html.CommentNode:
		return 8
	case html.DocumentNode:
		return 9
	}
	return 0
}
